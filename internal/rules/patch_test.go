package rules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"debugprobe/internal/eventbus"
	"debugprobe/pkg/rulespec"
	"debugprobe/pkg/traffic"
)

func rawPatch(kv map[string]string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(kv))
	for k, v := range kv {
		out[k] = json.RawMessage(v)
	}
	return out
}

func TestPatchJSONBody(t *testing.T) {
	body := []byte(`{"v":1,"user":{"name":"a"},"keep":true}`)
	out := PatchJSONBody(body, rawPatch(map[string]string{
		"v":         "2",
		"user.name": `"b"`,
	}))
	assert.JSONEq(t, `{"v":2,"user":{"name":"b"},"keep":true}`, string(out))
	// 原体不被就地修改
	assert.JSONEq(t, `{"v":1,"user":{"name":"a"},"keep":true}`, string(body))
}

func TestPatchJSONBodyAddsMissingPath(t *testing.T) {
	out := PatchJSONBody([]byte(`{}`), rawPatch(map[string]string{"flag": "true"}))
	assert.JSONEq(t, `{"flag":true}`, string(out))
}

func TestBreakRequestModifyWithBodyPatch(t *testing.T) {
	e := NewBreakpointEngine()
	e.Update([]rulespec.BreakpointRule{breakRule("b1", "*", rulespec.StageRequest)})
	hits := make(chan string, 1)
	e.SetHitSink(func(requestID string, _ rulespec.BreakpointStage, _ *traffic.Request, _ *traffic.Response) {
		hits <- requestID
	})

	req := getReq("https://x.test/")
	req.Body = []byte(`{"v":1,"keep":"yes"}`)
	done := make(chan eventbus.RequestBreakpointResult, 1)
	go func() { done <- e.BreakRequest(req) }()

	// 只回传补丁，不整体替换：未提及的字段保留
	e.Resolve(<-hits, Resolution{
		Action:    ActionModify,
		BodyPatch: rawPatch(map[string]string{"v": "2"}),
	})

	res := <-done
	assert.Equal(t, eventbus.BreakProceed, res.Action)
	assert.JSONEq(t, `{"v":2,"keep":"yes"}`, string(res.Request.Body))
	assert.JSONEq(t, `{"v":1,"keep":"yes"}`, string(req.Body))
}

func TestBreakResponseModifyWithBodyPatch(t *testing.T) {
	e := NewBreakpointEngine()
	e.Update([]rulespec.BreakpointRule{breakRule("b1", "*", rulespec.StageResponse)})
	hits := make(chan string, 1)
	e.SetHitSink(func(requestID string, _ rulespec.BreakpointStage, _ *traffic.Request, _ *traffic.Response) {
		hits <- requestID
	})

	req := getReq("https://x.test/")
	orig := traffic.NewResponse()
	orig.Body = []byte(`{"ok":true,"count":1}`)
	done := make(chan *traffic.Response, 1)
	go func() { done <- e.BreakResponse(req, orig) }()

	e.Resolve(<-hits, Resolution{
		Action:    ActionModify,
		BodyPatch: rawPatch(map[string]string{"count": "99"}),
	})

	out := <-done
	assert.JSONEq(t, `{"ok":true,"count":99}`, string(out.Body))
	assert.Equal(t, orig.StatusCode, out.StatusCode)
}

func TestContinueAliasResumes(t *testing.T) {
	e := NewBreakpointEngine()
	e.Update([]rulespec.BreakpointRule{breakRule("b1", "*", rulespec.StageRequest)})
	hits := make(chan string, 1)
	e.SetHitSink(func(requestID string, _ rulespec.BreakpointStage, _ *traffic.Request, _ *traffic.Response) {
		hits <- requestID
	})

	done := make(chan eventbus.RequestBreakpointResult, 1)
	go func() { done <- e.BreakRequest(getReq("https://x.test/")) }()
	e.Resolve(<-hits, Resolution{Action: ActionContinue})
	assert.Equal(t, eventbus.BreakProceed, (<-done).Action)
}

func TestMockBodyPatchRule(t *testing.T) {
	e := NewMockEngine()
	e.Update([]rulespec.MockRule{{
		RuleBase: rulespec.RuleBase{
			ID: "patch1", Enabled: true, Priority: 1,
			URLPattern: "*", TargetType: rulespec.TargetHTTPRequest,
		},
		BodyPatch: rawPatch(map[string]string{"debug": "true"}),
	}})

	req := getReq("https://x.test/")
	req.Body = []byte(`{"v":1}`)
	modified, resp, ruleID := e.MockRequest(req)
	assert.Nil(t, resp)
	assert.JSONEq(t, `{"v":1,"debug":true}`, string(modified.Body))
	assert.Equal(t, "patch1", string(*ruleID))
	assert.JSONEq(t, `{"v":1}`, string(req.Body))
}
