package rules

import (
	"encoding/json"
	"sort"
	"sync"

	"debugprobe/internal/eventbus"
	"debugprobe/pkg/domain"
	"debugprobe/pkg/rulespec"
	"debugprobe/pkg/traffic"
)

// ResumeAction 断点裁决动作
type ResumeAction string

const (
	ActionResume   ResumeAction = "resume"
	ActionContinue ResumeAction = "continue" // resume 的线缆别名
	ActionAbort    ResumeAction = "abort"
	ActionModify   ResumeAction = "modify"
)

// Resolution Hub 对一次断点的裁决。Modify 可整体替换请求/响应快照，
// 也可仅携带 BodyPatch 做局部 JSON 改写。
type Resolution struct {
	Action   ResumeAction
	Request  *traffic.Request
	Response *traffic.Response
	// BodyPatch sjson 点路径 → 原始 JSON 值，作用于被挂起的体
	BodyPatch map[string]json.RawMessage
}

// HitSink 断点命中通知，桥接层据此发送 breakpoint_hit
type HitSink func(requestID string, stage rulespec.BreakpointStage, req *traffic.Request, resp *traffic.Response)

// BreakpointEngine 断点规则引擎。命中后以 requestId 为键创建一次性
// 等待器并挂起调用方，Hub 的 resume_breakpoint 指令完成等待器。
// 等待期间不持有引擎互斥锁。
type BreakpointEngine struct {
	mu      sync.Mutex
	rules   []rulespec.BreakpointRule
	waiters map[string]chan Resolution
	onHit   HitSink
}

// NewBreakpointEngine 创建引擎
func NewBreakpointEngine() *BreakpointEngine {
	return &BreakpointEngine{waiters: make(map[string]chan Resolution)}
}

// SetHitSink 设置命中通知出口
func (e *BreakpointEngine) SetHitSink(fn HitSink) {
	e.mu.Lock()
	e.onHit = fn
	e.mu.Unlock()
}

// Update 原子替换规则集
func (e *BreakpointEngine) Update(rules []rulespec.BreakpointRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append([]rulespec.BreakpointRule(nil), rules...)
	sortBreak(e.rules)
}

// Add 插入单条规则
func (e *BreakpointEngine) Add(r rulespec.BreakpointRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
	sortBreak(e.rules)
}

// Remove 按 ID 删除
func (e *BreakpointEngine) Remove(id domain.RuleID) bool {
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
func (e *BreakpointEngine) Rules() []rulespec.BreakpointRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]rulespec.BreakpointRule(nil), e.rules...)
}

// HasRequestRule 热路径预检：只做正则匹配，不分配等待器
func (e *BreakpointEngine) HasRequestRule(req *traffic.Request) bool {
	return e.firstMatch(req, rulespec.StageRequest) != nil
}

// HasResponseRule 响应断点预检，流水线据此决定是否缓冲完整响应体
func (e *BreakpointEngine) HasResponseRule(req *traffic.Request) bool {
	return e.firstMatch(req, rulespec.StageResponse) != nil
}

// BreakRequest 请求断点。无命中立即放行；命中则上报快照并挂起，
// 直到 Resolve 或 AbortAll 完成等待器。
func (e *BreakpointEngine) BreakRequest(req *traffic.Request) eventbus.RequestBreakpointResult {
	r := e.firstMatch(req, rulespec.StageRequest)
	if r == nil {
		return eventbus.RequestBreakpointResult{Action: eventbus.BreakProceed, Request: req}
	}

	ch := e.addWaiter(req.ID)
	e.emitHit(req.ID, rulespec.StageRequest, req, nil)
	res := <-ch

	switch res.Action {
	case ActionAbort:
		return eventbus.RequestBreakpointResult{Action: eventbus.BreakAbort}
	case ActionModify:
		if res.Response != nil {
			return eventbus.RequestBreakpointResult{Action: eventbus.BreakRespond, Response: res.Response}
		}
		if res.Request != nil {
			return eventbus.RequestBreakpointResult{Action: eventbus.BreakProceed, Request: res.Request}
		}
		if len(res.BodyPatch) > 0 {
			patched := req.Clone()
			patched.Body = PatchJSONBody(patched.Body, res.BodyPatch)
			return eventbus.RequestBreakpointResult{Action: eventbus.BreakProceed, Request: patched}
		}
		return eventbus.RequestBreakpointResult{Action: eventbus.BreakProceed, Request: req}
	default:
		return eventbus.RequestBreakpointResult{Action: eventbus.BreakProceed, Request: req}
	}
}

// BreakResponse 响应断点，modify 可替换状态码/头/体
func (e *BreakpointEngine) BreakResponse(req *traffic.Request, resp *traffic.Response) *traffic.Response {
	r := e.firstMatch(req, rulespec.StageResponse)
	if r == nil {
		return resp
	}

	ch := e.addWaiter(req.ID)
	e.emitHit(req.ID, rulespec.StageResponse, req, resp)
	res := <-ch

	switch res.Action {
	case ActionModify:
		if res.Response != nil {
			return res.Response
		}
		if len(res.BodyPatch) > 0 {
			out := resp.Clone()
			out.Body = PatchJSONBody(out.Body, res.BodyPatch)
			return out
		}
		return resp
	case ActionAbort:
		out := resp.Clone()
		out.Error = &domain.NetworkError{
			Domain:         "DebugProbe",
			Code:           -999,
			Category:       domain.ErrCategoryCancelled,
			IsNetworkError: true,
			Message:        "request cancelled at breakpoint",
		}
		return out
	default:
		return resp
	}
}

// Resolve 完成指定等待器。未知动作按 resume 处理。
// 返回 false 表示没有对应的挂起请求。
func (e *BreakpointEngine) Resolve(requestID string, res Resolution) bool {
	e.mu.Lock()
	ch, ok := e.waiters[requestID]
	delete(e.waiters, requestID)
	e.mu.Unlock()
	if !ok {
		return false
	}
	switch res.Action {
	case ActionAbort, ActionModify:
	default:
		res.Action = ActionResume
	}
	ch <- res
	return true
}

// AbortAll 以 Abort 完成所有挂起等待器（桥接断开或内核停止时调用）
func (e *BreakpointEngine) AbortAll() {
	e.mu.Lock()
	waiters := e.waiters
	e.waiters = make(map[string]chan Resolution)
	e.mu.Unlock()
	for _, ch := range waiters {
		ch <- Resolution{Action: ActionAbort}
	}
}

// Pending 当前挂起的请求数
func (e *BreakpointEngine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.waiters)
}

func (e *BreakpointEngine) firstMatch(req *traffic.Request, stage rulespec.BreakpointStage) *rulespec.BreakpointRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.rules {
		r := &e.rules[i]
		if r.MatchesStage(stage) && matchBase(r.RuleBase, req.URL, req.Method) {
			return r
		}
	}
	return nil
}

func sortBreak(rs []rulespec.BreakpointRule) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Priority > rs[j].Priority })
}

func (e *BreakpointEngine) addWaiter(requestID string) chan Resolution {
	ch := make(chan Resolution, 1)
	e.mu.Lock()
	e.waiters[requestID] = ch
	e.mu.Unlock()
	return ch
}

func (e *BreakpointEngine) emitHit(requestID string, stage rulespec.BreakpointStage, req *traffic.Request, resp *traffic.Response) {
	e.mu.Lock()
	fn := e.onHit
	e.mu.Unlock()
	if fn != nil {
		fn(requestID, stage, req, resp)
	}
}
