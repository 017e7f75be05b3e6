package rules

import (
	"math/rand"
	"sort"
	"sync"

	"debugprobe/internal/eventbus"
	"debugprobe/pkg/domain"
	"debugprobe/pkg/rulespec"
	"debugprobe/pkg/traffic"
)

// ChaosEngine 传输故障注入引擎，仅 HTTP。
// 每次命中先过概率闸门 rand() <= probability。
type ChaosEngine struct {
	mu    sync.Mutex
	rules []rulespec.ChaosRule
	rnd   func() float64
}

// NewChaosEngine 创建引擎，可传入随机源（nil 使用默认）
func NewChaosEngine(rnd func() float64) *ChaosEngine {
	if rnd == nil {
		src := rand.New(rand.NewSource(rand.Int63()))
		var mu sync.Mutex
		rnd = func() float64 {
			mu.Lock()
			defer mu.Unlock()
			return src.Float64()
		}
	}
	return &ChaosEngine{rnd: rnd}
}

// Update 原子替换规则集
func (e *ChaosEngine) Update(rules []rulespec.ChaosRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append([]rulespec.ChaosRule(nil), rules...)
	sortChaos(e.rules)
}

// Add 插入单条规则
func (e *ChaosEngine) Add(r rulespec.ChaosRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
	sortChaos(e.rules)
}

// Remove 按 ID 删除
func (e *ChaosEngine) Remove(id domain.RuleID) bool {
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
func (e *ChaosEngine) Rules() []rulespec.ChaosRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]rulespec.ChaosRule(nil), e.rules...)
}

// ChaosRequest 请求阶段裁决，首条命中且通过概率闸门的规则生效
func (e *ChaosEngine) ChaosRequest(req *traffic.Request) eventbus.ChaosResult {
	e.mu.Lock()
	snapshot := append([]rulespec.ChaosRule(nil), e.rules...)
	e.mu.Unlock()

	for i := range snapshot {
		r := &snapshot[i]
		if r.Kind == rulespec.ChaosCorruptBody {
			continue // 响应阶段处理
		}
		if !matchBase(r.RuleBase, req.URL, req.Method) {
			continue
		}
		if e.rnd() > r.Probability {
			continue
		}
		res := eventbus.ChaosResult{RuleID: r.ID, DelayMS: r.DelayMS, StatusCode: r.StatusCode}
		switch r.Kind {
		case rulespec.ChaosDelay:
			res.Kind = eventbus.ChaosDelay
		case rulespec.ChaosTimeout:
			res.Kind = eventbus.ChaosTimeout
		case rulespec.ChaosConnectionReset:
			res.Kind = eventbus.ChaosConnectionReset
		case rulespec.ChaosErrorResponse:
			res.Kind = eventbus.ChaosErrorResponse
			if res.StatusCode == 0 {
				res.StatusCode = 500
			}
		case rulespec.ChaosDrop:
			res.Kind = eventbus.ChaosDrop
		default:
			continue
		}
		return res
	}
	return eventbus.ChaosResult{Kind: eventbus.ChaosNone}
}

// ChaosResponse 响应阶段：corrupt_body 规则命中时翻写约 1% 随机字节
func (e *ChaosEngine) ChaosResponse(req *traffic.Request, resp *traffic.Response) *traffic.Response {
	e.mu.Lock()
	snapshot := append([]rulespec.ChaosRule(nil), e.rules...)
	e.mu.Unlock()

	for i := range snapshot {
		r := &snapshot[i]
		if r.Kind != rulespec.ChaosCorruptBody {
			continue
		}
		if !matchBase(r.RuleBase, req.URL, req.Method) {
			continue
		}
		if e.rnd() > r.Probability {
			continue
		}
		if len(resp.Body) == 0 {
			return resp
		}
		out := resp.Clone()
		n := len(out.Body) / 100
		if n < 1 {
			n = 1
		}
		for j := 0; j < n; j++ {
			pos := int(e.rnd() * float64(len(out.Body)))
			if pos >= len(out.Body) {
				pos = len(out.Body) - 1
			}
			out.Body[pos] = byte(e.rnd() * 256)
		}
		return out
	}
	return resp
}

func sortChaos(rs []rulespec.ChaosRule) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Priority > rs[j].Priority })
}
