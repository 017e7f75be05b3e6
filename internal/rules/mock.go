package rules

import (
	"sort"
	"sync"
	"time"

	"debugprobe/pkg/domain"
	"debugprobe/pkg/rulespec"
	"debugprobe/pkg/traffic"
)

// MockEngine 伪造响应/改写载荷的规则引擎
type MockEngine struct {
	mu    sync.Mutex
	rules []rulespec.MockRule
}

// NewMockEngine 创建空引擎
func NewMockEngine() *MockEngine { return &MockEngine{} }

// Update 原子替换整个规则集，排序在临界区内完成
func (e *MockEngine) Update(rules []rulespec.MockRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append([]rulespec.MockRule(nil), rules...)
	sortMock(e.rules)
}

// Add 插入单条规则
func (e *MockEngine) Add(r rulespec.MockRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
	sortMock(e.rules)
}

// Remove 按 ID 删除
func (e *MockEngine) Remove(id domain.RuleID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.rules {
		if e.rules[i].ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Rules 当前规则快照
func (e *MockEngine) Rules() []rulespec.MockRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]rulespec.MockRule(nil), e.rules...)
}

// MockRequest 请求阶段评估。请求改写规则逐条累积，
// 直到出现产生响应的规则为止；产生响应的规则短路网络。
func (e *MockEngine) MockRequest(req *traffic.Request) (*traffic.Request, *traffic.Response, *domain.RuleID) {
	e.mu.Lock()
	snapshot := append([]rulespec.MockRule(nil), e.rules...)
	e.mu.Unlock()

	out := req
	var matched *domain.RuleID
	for i := range snapshot {
		r := &snapshot[i]
		if !matchBase(r.RuleBase, req.URL, req.Method) {
			continue
		}
		switch r.TargetType {
		case rulespec.TargetHTTPRequest:
			if r.RequestBody != "" {
				out = out.Clone()
				out.Body = []byte(r.RequestBody)
				rid := r.ID
				matched = &rid
			} else if len(r.BodyPatch) > 0 {
				out = out.Clone()
				out.Body = PatchJSONBody(out.Body, r.BodyPatch)
				rid := r.ID
				matched = &rid
			}
		case rulespec.TargetHTTPResponse:
			if r.Response != nil {
				rid := r.ID
				return out, buildMockResponse(r.Response), &rid
			}
		}
	}
	return out, nil, matched
}

// MockWSFrame 帧阶段评估，返回（可能替换的）载荷、是否伪造与命中规则
func (e *MockEngine) MockWSFrame(url string, direction domain.WSDirection, payload []byte) ([]byte, bool, *domain.RuleID) {
	e.mu.Lock()
	snapshot := append([]rulespec.MockRule(nil), e.rules...)
	e.mu.Unlock()

	want := rulespec.TargetWSOutgoing
	if direction == domain.WSReceive {
		want = rulespec.TargetWSIncoming
	}
	for i := range snapshot {
		r := &snapshot[i]
		if r.TargetType != want || !matchBase(r.RuleBase, url, "") {
			continue
		}
		if r.FramePayload != "" {
			rid := r.ID
			// isMocked 仅当规则伪造了载荷本身
			return []byte(r.FramePayload), true, &rid
		}
	}
	return payload, false, nil
}

func buildMockResponse(a *rulespec.MockAction) *traffic.Response {
	resp := traffic.NewResponse()
	if a.StatusCode != 0 {
		resp.StatusCode = a.StatusCode
	}
	for k, v := range a.Headers {
		resp.Headers.Set(k, v)
	}
	resp.Body = []byte(a.Body)
	if a.DelayMS > 0 {
		time.Sleep(time.Duration(a.DelayMS) * time.Millisecond)
	}
	resp.DurationMS = 0
	return resp
}

// sortMock 优先级降序，稳定排序保持插入序作平局
func sortMock(rs []rulespec.MockRule) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Priority > rs[j].Priority })
}
