package bridge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"debugprobe/pkg/domain"
)

func TestRegisterDeviceFrameRoundTrip(t *testing.T) {
	device := domain.DeviceInfo{
		DeviceID:   "dev-1",
		DeviceName: "测试机",
		Model:      "pixel",
		OSName:     "android",
		OSVersion:  "14",
		AppID:      "com.example.app",
		AppVersion: "2.3.4",
		AppBuild:   "567",
	}
	frame, err := NewFrame(FrameRegisterDevice, RegisterDevicePayload{
		Device:       device,
		Token:        "tok",
		AppSessionID: "sess-1",
		SDKVersion:   "1.0.0",
		Plugins:      []domain.PluginInfo{{ID: "network", DisplayName: "网络捕获", Version: "1.0.0"}},
	})
	require.NoError(t, err)

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	var decoded Frame
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, FrameRegisterDevice, decoded.Type)

	var payload RegisterDevicePayload
	require.NoError(t, decoded.Decode(&payload))
	// DeviceInfo 编解码逐字段稳定
	assert.Equal(t, device, payload.Device)
	assert.Equal(t, "sess-1", payload.AppSessionID)
	assert.Len(t, payload.Plugins, 1)
}

func TestEventsBatchFrameRoundTrip(t *testing.T) {
	ev := domain.NewEvent(domain.EventHTTP)
	ev.Timestamp = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ev.HTTP = &domain.HTTPEvent{
		Request: domain.HTTPRequestInfo{
			RequestID: "r1", Method: "GET", URL: "https://example.com/",
			Body: []byte("binary\x00data"),
		},
		Response: &domain.HTTPResponseInfo{StatusCode: 200, DurationMS: 5},
	}
	frame, err := NewFrame(FrameEventsBatch, EventsBatchPayload{BatchID: "b1", Events: []domain.DebugEvent{ev}})
	require.NoError(t, err)

	var payload EventsBatchPayload
	require.NoError(t, frame.Decode(&payload))
	require.Len(t, payload.Events, 1)
	got := payload.Events[0]
	assert.Equal(t, ev.EventID, got.EventID)
	assert.True(t, ev.Timestamp.Equal(got.Timestamp))
	// 二进制体经 base64 往返无损
	assert.Equal(t, []byte("binary\x00data"), got.HTTP.Request.Body)
}

func TestResumeBreakpointFrameDecode(t *testing.T) {
	raw := []byte(`{"type":"resume_breakpoint","payload":{"requestId":"X","action":"modify","modifiedRequest":{"requestId":"X","method":"POST","url":"https://x.test/","body":"eyJ2IjoyfQ==","startTime":"2025-03-01T12:00:00Z"}}}`)
	var frame Frame
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, FrameResumeBreakpoint, frame.Type)

	var p BreakpointResumePayload
	require.NoError(t, frame.Decode(&p))
	assert.Equal(t, "X", p.RequestID)
	assert.Equal(t, "modify", p.Action)
	require.NotNil(t, p.ModifiedRequest)
	assert.Equal(t, `{"v":2}`, string(p.ModifiedRequest.Body))
}

func TestDecodeEmptyPayload(t *testing.T) {
	var p EventsAckPayload
	err := Frame{Type: FrameEventsAck}.Decode(&p)
	assert.Error(t, err)
}
