package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"debugprobe/internal/bridge"
	"debugprobe/internal/config"
	"debugprobe/pkg/domain"
	"debugprobe/pkg/traffic"
)

// testHub 最小 Hub：ack 注册，入站帧进通道，可向设备回发帧
type testHub struct {
	srv      *httptest.Server
	register chan bridge.RegisterDevicePayload
	frames   chan bridge.Frame
	conns    chan *websocket.Conn
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	h := &testHub{
		register: make(chan bridge.RegisterDevicePayload, 2),
		frames:   make(chan bridge.Frame, 64),
		conns:    make(chan *websocket.Conn, 2),
	}
	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var frame bridge.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		var reg bridge.RegisterDevicePayload
		_ = frame.Decode(&reg)
		h.register <- reg
		ack, _ := bridge.NewFrame(bridge.FrameRegisterAck, nil)
		_ = conn.WriteJSON(ack)
		h.conns <- conn
		for {
			var f bridge.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			h.frames <- f
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *testHub) hostPort(t *testing.T) (string, int) {
	t.Helper()
	u, err := url.Parse(h.srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

// nextHTTPEvents 从 events_batch 帧中聚出 HTTP 事件，并逐批 ack
func (h *testHub) nextHTTPEvents(t *testing.T, conn *websocket.Conn, n int) []domain.DebugEvent {
	t.Helper()
	var out []domain.DebugEvent
	deadline := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case f := <-h.frames:
			if f.Type != bridge.FrameEventsBatch {
				continue
			}
			var batch bridge.EventsBatchPayload
			require.NoError(t, f.Decode(&batch))
			for _, ev := range batch.Events {
				if ev.Type == domain.EventHTTP {
					out = append(out, ev)
				}
			}
			ack, _ := bridge.NewFrame(bridge.FrameEventsAck, bridge.EventsAckPayload{BatchID: batch.BatchID})
			require.NoError(t, conn.WriteJSON(ack))
		case <-deadline:
			t.Fatalf("等待 HTTP 事件超时，已收 %d/%d", len(out), n)
		}
	}
	return out
}

func (h *testHub) nextResponse(t *testing.T, commandID string) domain.PluginCommandResponse {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-h.frames:
			if f.Type != bridge.FramePluginCommandResponse {
				continue
			}
			var resp domain.PluginCommandResponse
			require.NoError(t, f.Decode(&resp))
			if resp.CommandID == commandID {
				return resp
			}
		case <-deadline:
			t.Fatalf("等待指令 %s 应答超时", commandID)
		}
	}
}

func newTestAgent(t *testing.T, hub *testHub) *Agent {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewConfig()
	host, port := hub.hostPort(t)
	cfg.Hub.Host = host
	cfg.Hub.Port = port
	cfg.Hub.Path = "/debug-bridge"
	cfg.Bridge.FlushEvery = 30 * time.Millisecond
	cfg.Bridge.QueueDSN = filepath.Join(dir, "queue.sqlite3")
	cfg.Sqlite.Dsn = filepath.Join(dir, "settings.sqlite3")
	cfg.Log.Writer = nil

	a, err := New(Options{Config: cfg, Device: domain.DeviceInfo{DeviceID: "dev-1", OSName: "test"}})
	require.NoError(t, err)
	require.NoError(t, a.Start())
	t.Cleanup(a.Stop)
	return a
}

func TestRegistrationAndBasicEventDelivery(t *testing.T) {
	hub := newTestHub(t)
	a := newTestAgent(t, hub)

	reg := <-hub.register
	assert.Equal(t, "dev-1", reg.Device.DeviceID)
	assert.NotEmpty(t, reg.AppSessionID)
	assert.Len(t, reg.Plugins, 6)

	conn := <-hub.conns

	// 一次 GET 捕获恰好产生一条 HTTP 事件
	req := traffic.NewRequest()
	req.ID = "r1"
	req.Method = "GET"
	req.URL = "https://example.com/"
	outcome := a.OnRequest(req)
	require.False(t, outcome.Done)
	resp := traffic.NewResponse()
	resp.StatusCode = 200
	a.OnResponse(outcome.Request, resp)

	events := hub.nextHTTPEvents(t, conn, 1)
	ev := events[0].HTTP
	assert.Equal(t, "GET", ev.Request.Method)
	require.NotNil(t, ev.Response)
	assert.Equal(t, 200, ev.Response.StatusCode)
}

func TestMockRuleInstalledViaCommand(t *testing.T) {
	hub := newTestHub(t)
	a := newTestAgent(t, hub)
	<-hub.register
	conn := <-hub.conns

	payload, _ := json.Marshal(map[string]any{
		"mockRules": []map[string]any{{
			"id": "r1", "enabled": true, "priority": 10,
			"urlPattern": "*example.com/users*", "targetType": "http-response",
			"response": map[string]any{
				"statusCode": 418,
				"headers":    map[string]string{"X-M": "1"},
				"body":       "teapot",
			},
		}},
	})
	cmdFrame, _ := bridge.NewFrame(bridge.FramePluginCommand, domain.PluginCommand{
		PluginID: "network", CommandID: "c1", CommandType: "update_rules", Payload: payload,
	})
	require.NoError(t, conn.WriteJSON(cmdFrame))
	resp := hub.nextResponse(t, "c1")
	require.True(t, resp.Success, "update_rules 失败: %s", resp.ErrorMessage)

	req := traffic.NewRequest()
	req.ID = "r2"
	req.Method = "GET"
	req.URL = "https://example.com/users/42"
	outcome := a.OnRequest(req)
	assert.True(t, outcome.Done)

	events := hub.nextHTTPEvents(t, conn, 1)
	ev := events[0].HTTP
	require.NotNil(t, ev.Response)
	assert.Equal(t, 418, ev.Response.StatusCode)
	assert.Equal(t, int64(0), ev.Response.DurationMS)
	assert.True(t, ev.IsMocked)
	assert.Equal(t, domain.RuleID("r1"), ev.MatchedRuleID)
}

func TestDBCommandThroughKernel(t *testing.T) {
	hub := newTestHub(t)
	_ = newTestAgent(t, hub)
	<-hub.register
	conn := <-hub.conns

	cmdFrame, _ := bridge.NewFrame(bridge.FramePluginCommand, domain.PluginCommand{
		PluginID: "database", CommandID: "c2", CommandType: "db_command",
		Payload: []byte(`{"kind":"listDatabases"}`),
	})
	require.NoError(t, conn.WriteJSON(cmdFrame))
	resp := hub.nextResponse(t, "c2")
	assert.True(t, resp.Success)

	// 未注册的库
	cmdFrame, _ = bridge.NewFrame(bridge.FramePluginCommand, domain.PluginCommand{
		PluginID: "database", CommandID: "c3", CommandType: "db_command",
		Payload: []byte(`{"kind":"listTables","databaseId":"ghost"}`),
	})
	require.NoError(t, conn.WriteJSON(cmdFrame))
	resp = hub.nextResponse(t, "c3")
	assert.False(t, resp.Success)
	assert.Equal(t, "DatabaseNotFound", resp.ErrorCode)
}

func TestUnknownPluginCommand(t *testing.T) {
	hub := newTestHub(t)
	_ = newTestAgent(t, hub)
	<-hub.register
	conn := <-hub.conns

	cmdFrame, _ := bridge.NewFrame(bridge.FramePluginCommand, domain.PluginCommand{
		PluginID: "ghost", CommandID: "c9", CommandType: "get_status",
	})
	require.NoError(t, conn.WriteJSON(cmdFrame))
	resp := hub.nextResponse(t, "c9")
	assert.False(t, resp.Success)
	assert.Equal(t, "PluginNotFound", resp.ErrorCode)
}
