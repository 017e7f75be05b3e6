package eventbus

import (
	"sync"

	"debugprobe/pkg/domain"
	"debugprobe/pkg/traffic"
)

// MockConsult 同步询问 mock 引擎。返回可能被改写的请求、伪造响应与命中规则。
type MockConsult interface {
	MockRequest(req *traffic.Request) (*traffic.Request, *traffic.Response, *domain.RuleID)
	MockWSFrame(url string, direction domain.WSDirection, payload []byte) ([]byte, bool, *domain.RuleID)
}

// ChaosConsult 同步询问混沌引擎
type ChaosConsult interface {
	ChaosRequest(req *traffic.Request) ChaosResult
	ChaosResponse(req *traffic.Request, resp *traffic.Response) *traffic.Response
}

// ChaosResultKind 请求阶段混沌裁决
type ChaosResultKind int

const (
	ChaosNone ChaosResultKind = iota
	ChaosDelay
	ChaosTimeout
	ChaosConnectionReset
	ChaosErrorResponse
	ChaosDrop
)

type ChaosResult struct {
	Kind       ChaosResultKind
	RuleID     domain.RuleID
	DelayMS    int64
	StatusCode int
}

// BreakpointConsult 断点引擎入口。BreakRequest 命中时挂起调用方直至 Hub 裁决。
type BreakpointConsult interface {
	HasRequestRule(req *traffic.Request) bool
	HasResponseRule(req *traffic.Request) bool
	BreakRequest(req *traffic.Request) RequestBreakpointResult
	BreakResponse(req *traffic.Request, resp *traffic.Response) *traffic.Response
}

// RequestBreakpointAction 请求断点裁决
type RequestBreakpointAction int

const (
	BreakProceed RequestBreakpointAction = iota
	BreakAbort
	BreakRespond
)

type RequestBreakpointResult struct {
	Action   RequestBreakpointAction
	Request  *traffic.Request  // Proceed 时可能为改写后的请求
	Response *traffic.Response // Respond 时的直接应答
}

// Bus 回调槽位注册表，由 Agent 按实例持有。捕获桩只通过它移交事件与咨询规则；
// 插件 start 时安装、stop 时摘除，安装方串行。
type Bus struct {
	mu sync.Mutex

	onHTTP       func(domain.HTTPEvent)
	onLog        func(domain.LogEvent)
	onWS         func(domain.WSEvent)
	onPageTiming func(domain.PageTimingEvent)

	mock  MockConsult
	chaos ChaosConsult
	brk   BreakpointConsult
}

// New 创建空槽位注册表
func New() *Bus { return &Bus{} }

// SetHTTPHandler 安装/摘除 HTTP 事件回调（nil 摘除）
func (b *Bus) SetHTTPHandler(fn func(domain.HTTPEvent)) {
	b.mu.Lock()
	b.onHTTP = fn
	b.mu.Unlock()
}

func (b *Bus) SetLogHandler(fn func(domain.LogEvent)) {
	b.mu.Lock()
	b.onLog = fn
	b.mu.Unlock()
}

func (b *Bus) SetWSHandler(fn func(domain.WSEvent)) {
	b.mu.Lock()
	b.onWS = fn
	b.mu.Unlock()
}

func (b *Bus) SetPageTimingHandler(fn func(domain.PageTimingEvent)) {
	b.mu.Lock()
	b.onPageTiming = fn
	b.mu.Unlock()
}

// SetMockConsult 安装 mock 咨询槽
func (b *Bus) SetMockConsult(m MockConsult) {
	b.mu.Lock()
	b.mock = m
	b.mu.Unlock()
}

func (b *Bus) SetChaosConsult(c ChaosConsult) {
	b.mu.Lock()
	b.chaos = c
	b.mu.Unlock()
}

func (b *Bus) SetBreakpointConsult(bp BreakpointConsult) {
	b.mu.Lock()
	b.brk = bp
	b.mu.Unlock()
}

// EmitHTTP 捕获桩上报 HTTP 事件，未安装回调时丢弃
func (b *Bus) EmitHTTP(ev domain.HTTPEvent) {
	b.mu.Lock()
	fn := b.onHTTP
	b.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (b *Bus) EmitLog(ev domain.LogEvent) {
	b.mu.Lock()
	fn := b.onLog
	b.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (b *Bus) EmitWS(ev domain.WSEvent) {
	b.mu.Lock()
	fn := b.onWS
	b.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (b *Bus) EmitPageTiming(ev domain.PageTimingEvent) {
	b.mu.Lock()
	fn := b.onPageTiming
	b.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Mock 当前 mock 槽，可能为 nil
func (b *Bus) Mock() MockConsult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mock
}

func (b *Bus) Chaos() ChaosConsult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chaos
}

func (b *Bus) Breakpoint() BreakpointConsult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.brk
}
