package pipeline

import (
	"sync"
	"time"

	"debugprobe/internal/eventbus"
	"debugprobe/internal/logger"
	"debugprobe/pkg/domain"
	"debugprobe/pkg/traffic"
)

// Emit HTTP 事件出口
type Emit func(domain.HTTPEvent)

// Pipeline 捕获与干预流水线。请求侧按 mock → breakpoint → chaos 的
// 固定顺序执行，响应侧按 chaos → breakpoint → emit。
// 捕获桩在产生流量的宿主线程上同步调用。
type Pipeline struct {
	bus   *eventbus.Bus
	emit  Emit
	log   logger.Logger
	sleep func(time.Duration)

	mu      sync.Mutex
	parents map[string]string // requestID → 重定向父事务 ID
}

// New 创建流水线
func New(bus *eventbus.Bus, emit Emit, l logger.Logger) *Pipeline {
	if l == nil {
		l = logger.NewNop()
	}
	return &Pipeline{
		bus:     bus,
		emit:    emit,
		log:     l,
		sleep:   time.Sleep,
		parents: make(map[string]string),
	}
}

// RecordRedirect 登记重定向链：子事务的事件将携带父事务 ID
func (p *Pipeline) RecordRedirect(childRequestID, parentRequestID string) {
	p.mu.Lock()
	p.parents[childRequestID] = parentRequestID
	p.mu.Unlock()
}

// RequestOutcome 请求阶段的处理结论
type RequestOutcome struct {
	// Done 为 true 表示流水线已出事件并短路网络
	Done bool
	// Request 放行时（可能被改写的）请求，捕获桩据此继续发起网络
	Request *traffic.Request
}

// ProcessRequest 请求阶段。mock 先行（命中即免网络），其次断点
// （开发者可能要检视真实请求），最后 chaos（建模传输故障）。
func (p *Pipeline) ProcessRequest(req *traffic.Request) RequestOutcome {
	cur := req

	// mock-request
	if m := p.bus.Mock(); m != nil {
		modified, mockResp, ruleID := m.MockRequest(cur)
		if modified != nil {
			cur = modified
		}
		if mockResp != nil {
			mockResp.DurationMS = 0
			p.emitEvent(cur, mockResp, true, ruleID)
			return RequestOutcome{Done: true}
		}
	}

	// breakpoint-request，仅命中规则时才挂起
	if b := p.bus.Breakpoint(); b != nil {
		res := b.BreakRequest(cur)
		switch res.Action {
		case eventbus.BreakAbort:
			p.emitFailure(cur, cancelledError("request aborted at breakpoint"))
			return RequestOutcome{Done: true}
		case eventbus.BreakRespond:
			p.emitEvent(cur, res.Response, false, nil)
			return RequestOutcome{Done: true}
		default:
			if res.Request != nil {
				cur = res.Request
			}
		}
	}

	// chaos-request
	if c := p.bus.Chaos(); c != nil {
		res := c.ChaosRequest(cur)
		switch res.Kind {
		case eventbus.ChaosDelay:
			p.sleep(time.Duration(res.DelayMS) * time.Millisecond)
		case eventbus.ChaosTimeout:
			p.emitChaosFailure(cur, res.RuleID, domain.NetworkError{
				Domain: "DebugProbe", Code: -1001, Category: domain.ErrCategoryTimeout,
				IsNetworkError: true, Message: "injected timeout",
			})
			return RequestOutcome{Done: true}
		case eventbus.ChaosConnectionReset:
			p.emitChaosFailure(cur, res.RuleID, domain.NetworkError{
				Domain: "DebugProbe", Code: -1004, Category: domain.ErrCategoryNetwork,
				IsNetworkError: true, Message: "injected connection reset",
			})
			return RequestOutcome{Done: true}
		case eventbus.ChaosDrop:
			p.emitChaosFailure(cur, res.RuleID, domain.NetworkError{
				Domain: "DebugProbe", Code: -1005, Category: domain.ErrCategoryNetwork,
				IsNetworkError: true, Message: "injected connection drop",
			})
			return RequestOutcome{Done: true}
		case eventbus.ChaosErrorResponse:
			resp := traffic.NewResponse()
			resp.StatusCode = res.StatusCode
			rid := res.RuleID
			p.emitEvent(cur, resp, false, &rid)
			return RequestOutcome{Done: true}
		}
	}

	return RequestOutcome{Request: cur}
}

// ShouldBufferResponseBody 进入响应路径前的预检：
// 没有响应断点规则时捕获桩可跳过完整响应体缓冲。
func (p *Pipeline) ShouldBufferResponseBody(req *traffic.Request) bool {
	b := p.bus.Breakpoint()
	return b != nil && b.HasResponseRule(req)
}

// ProcessResponse 响应阶段：chaos 可污染响应体，断点可整体替换，最后出事件
func (p *Pipeline) ProcessResponse(req *traffic.Request, resp *traffic.Response) {
	cur := resp

	if c := p.bus.Chaos(); c != nil {
		cur = c.ChaosResponse(req, cur)
	}
	if b := p.bus.Breakpoint(); b != nil {
		cur = b.BreakResponse(req, cur)
	}
	p.emitEvent(req, cur, false, nil)
}

// EmitFailure 捕获桩上报真实网络失败
func (p *Pipeline) EmitFailure(req *traffic.Request, netErr domain.NetworkError) {
	p.emitFailure(req, netErr)
}

func (p *Pipeline) emitFailure(req *traffic.Request, netErr domain.NetworkError) {
	resp := traffic.NewResponse()
	resp.StatusCode = 0
	resp.Error = &netErr
	resp.DurationMS = time.Since(req.StartTime).Milliseconds()
	p.emitEvent(req, resp, false, nil)
}

func (p *Pipeline) emitChaosFailure(req *traffic.Request, ruleID domain.RuleID, netErr domain.NetworkError) {
	resp := traffic.NewResponse()
	resp.StatusCode = 0
	resp.Error = &netErr
	resp.DurationMS = time.Since(req.StartTime).Milliseconds()
	p.emitEvent(req, resp, false, &ruleID)
}

func (p *Pipeline) emitEvent(req *traffic.Request, resp *traffic.Response, mocked bool, ruleID *domain.RuleID) {
	ev := domain.HTTPEvent{
		Request: domain.HTTPRequestInfo{
			RequestID: req.ID,
			Method:    req.Method,
			URL:       req.URL,
			Headers:   map[string]string(req.Headers),
			Body:      req.Body,
			StartTime: req.StartTime,
		},
		IsMocked: mocked,
	}
	if ruleID != nil {
		ev.MatchedRuleID = *ruleID
	}
	if resp != nil {
		ev.Response = &domain.HTTPResponseInfo{
			StatusCode: resp.StatusCode,
			Headers:    map[string]string(resp.Headers),
			Body:       resp.Body,
			DurationMS: resp.DurationMS,
			Error:      resp.Error,
		}
	}
	p.mu.Lock()
	if parent, ok := p.parents[req.ID]; ok {
		ev.ParentID = parent
		delete(p.parents, req.ID)
	}
	p.mu.Unlock()

	if p.emit != nil {
		p.emit(ev)
	}
}

func cancelledError(msg string) domain.NetworkError {
	return domain.NetworkError{
		Domain:         "DebugProbe",
		Code:           -999,
		Category:       domain.ErrCategoryCancelled,
		IsNetworkError: true,
		Message:        msg,
	}
}
