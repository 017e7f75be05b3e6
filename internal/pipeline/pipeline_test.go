package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"debugprobe/internal/eventbus"
	"debugprobe/internal/rules"
	"debugprobe/pkg/domain"
	"debugprobe/pkg/rulespec"
	"debugprobe/pkg/traffic"
)

type harness struct {
	bus    *eventbus.Bus
	pipe   *Pipeline
	mock   *rules.MockEngine
	chaos  *rules.ChaosEngine
	brk    *rules.BreakpointEngine
	events chan domain.HTTPEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		bus:    eventbus.New(),
		mock:   rules.NewMockEngine(),
		chaos:  rules.NewChaosEngine(func() float64 { return 0 }),
		brk:    rules.NewBreakpointEngine(),
		events: make(chan domain.HTTPEvent, 8),
	}
	h.bus.SetMockConsult(h.mock)
	h.bus.SetChaosConsult(h.chaos)
	h.bus.SetBreakpointConsult(h.brk)
	h.pipe = New(h.bus, func(ev domain.HTTPEvent) { h.events <- ev }, nil)
	return h
}

func newGet(url string) *traffic.Request {
	req := traffic.NewRequest()
	req.ID = "req-1"
	req.Method = "GET"
	req.URL = url
	return req
}

func (h *harness) nextEvent(t *testing.T) domain.HTTPEvent {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("未收到 HTTP 事件")
		return domain.HTTPEvent{}
	}
}

func TestMockShortCircuit(t *testing.T) {
	h := newHarness(t)
	h.mock.Update([]rulespec.MockRule{{
		RuleBase: rulespec.RuleBase{
			ID: "r1", Enabled: true, Priority: 10,
			URLPattern: "*example.com/users*", TargetType: rulespec.TargetHTTPResponse,
		},
		Response: &rulespec.MockAction{
			StatusCode: 418,
			Headers:    map[string]string{"X-M": "1"},
			Body:       "teapot",
		},
	}})

	outcome := h.pipe.ProcessRequest(newGet("https://example.com/users/42"))
	assert.True(t, outcome.Done)

	ev := h.nextEvent(t)
	require.NotNil(t, ev.Response)
	assert.Equal(t, 418, ev.Response.StatusCode)
	assert.Equal(t, int64(0), ev.Response.DurationMS)
	assert.True(t, ev.IsMocked)
	assert.Equal(t, domain.RuleID("r1"), ev.MatchedRuleID)
	assert.Equal(t, "GET", ev.Request.Method)
}

func TestPassThroughWithoutRules(t *testing.T) {
	h := newHarness(t)
	req := newGet("https://example.com/")
	outcome := h.pipe.ProcessRequest(req)
	assert.False(t, outcome.Done)
	require.NotNil(t, outcome.Request)

	resp := traffic.NewResponse()
	resp.StatusCode = 200
	resp.DurationMS = 12
	h.pipe.ProcessResponse(outcome.Request, resp)

	ev := h.nextEvent(t)
	require.NotNil(t, ev.Response)
	assert.Equal(t, 200, ev.Response.StatusCode)
	assert.False(t, ev.IsMocked)
}

func TestChaosTimeoutFailure(t *testing.T) {
	h := newHarness(t)
	h.chaos.Update([]rulespec.ChaosRule{{
		RuleBase: rulespec.RuleBase{
			ID: "c1", Enabled: true, Priority: 1, URLPattern: "*flaky*",
		},
		Kind:        rulespec.ChaosTimeout,
		Probability: 1.0,
	}})

	outcome := h.pipe.ProcessRequest(newGet("https://flaky.test/"))
	assert.True(t, outcome.Done)

	ev := h.nextEvent(t)
	require.NotNil(t, ev.Response)
	require.NotNil(t, ev.Response.Error)
	assert.Equal(t, domain.ErrCategoryTimeout, ev.Response.Error.Category)
	assert.True(t, ev.Response.Error.IsNetworkError)
	assert.Equal(t, domain.RuleID("c1"), ev.MatchedRuleID)
}

func TestChaosDelayProceeds(t *testing.T) {
	h := newHarness(t)
	var slept time.Duration
	h.pipe.sleep = func(d time.Duration) { slept = d }
	h.chaos.Update([]rulespec.ChaosRule{{
		RuleBase:    rulespec.RuleBase{ID: "c1", Enabled: true, Priority: 1, URLPattern: "*"},
		Kind:        rulespec.ChaosDelay,
		Probability: 1.0,
		DelayMS:     250,
	}})

	outcome := h.pipe.ProcessRequest(newGet("https://x.test/"))
	assert.False(t, outcome.Done)
	assert.Equal(t, 250*time.Millisecond, slept)
}

func TestBreakpointModifyFlow(t *testing.T) {
	h := newHarness(t)
	h.brk.Update([]rulespec.BreakpointRule{{
		RuleBase: rulespec.RuleBase{ID: "b1", Enabled: true, Priority: 1, URLPattern: "*"},
		Stage:    rulespec.StageRequest,
	}})

	hits := make(chan string, 1)
	h.brk.SetHitSink(func(requestID string, _ rulespec.BreakpointStage, _ *traffic.Request, _ *traffic.Response) {
		hits <- requestID
	})

	req := newGet("https://x.test/")
	req.Method = "POST"
	req.Body = []byte(`{"v":1}`)

	outcomes := make(chan RequestOutcome, 1)
	go func() { outcomes <- h.pipe.ProcessRequest(req) }()

	rid := <-hits
	mod := req.Clone()
	mod.Body = []byte(`{"v":2}`)
	h.brk.Resolve(rid, rules.Resolution{Action: rules.ActionModify, Request: mod})

	outcome := <-outcomes
	require.False(t, outcome.Done)
	assert.Equal(t, `{"v":2}`, string(outcome.Request.Body))

	// 后续事件反映修改后的请求体
	resp := traffic.NewResponse()
	h.pipe.ProcessResponse(outcome.Request, resp)
	ev := h.nextEvent(t)
	assert.Equal(t, `{"v":2}`, string(ev.Request.Body))
}

func TestBreakpointAbortEmitsCancelled(t *testing.T) {
	h := newHarness(t)
	h.brk.Update([]rulespec.BreakpointRule{{
		RuleBase: rulespec.RuleBase{ID: "b1", Enabled: true, Priority: 1, URLPattern: "*"},
		Stage:    rulespec.StageRequest,
	}})
	hits := make(chan string, 1)
	h.brk.SetHitSink(func(requestID string, _ rulespec.BreakpointStage, _ *traffic.Request, _ *traffic.Response) {
		hits <- requestID
	})

	outcomes := make(chan RequestOutcome, 1)
	go func() { outcomes <- h.pipe.ProcessRequest(newGet("https://x.test/")) }()
	h.brk.Resolve(<-hits, rules.Resolution{Action: rules.ActionAbort})

	outcome := <-outcomes
	assert.True(t, outcome.Done)
	ev := h.nextEvent(t)
	require.NotNil(t, ev.Response.Error)
	assert.Equal(t, domain.ErrCategoryCancelled, ev.Response.Error.Category)
}

func TestShouldBufferResponseBodyPrecheck(t *testing.T) {
	h := newHarness(t)
	req := newGet("https://x.test/")
	assert.False(t, h.pipe.ShouldBufferResponseBody(req))
	h.brk.Update([]rulespec.BreakpointRule{{
		RuleBase: rulespec.RuleBase{ID: "b1", Enabled: true, Priority: 1, URLPattern: "*"},
		Stage:    rulespec.StageResponse,
	}})
	assert.True(t, h.pipe.ShouldBufferResponseBody(req))
}

func TestRedirectParentLinkage(t *testing.T) {
	h := newHarness(t)
	child := newGet("https://example.com/next")
	child.ID = "child-1"
	h.pipe.RecordRedirect(child.ID, "parent-1")

	outcome := h.pipe.ProcessRequest(child)
	h.pipe.ProcessResponse(outcome.Request, traffic.NewResponse())

	ev := h.nextEvent(t)
	assert.Equal(t, "parent-1", ev.ParentID)

	// 链接是一次性的
	h.pipe.ProcessResponse(outcome.Request, traffic.NewResponse())
	ev = h.nextEvent(t)
	assert.Empty(t, ev.ParentID)
}
