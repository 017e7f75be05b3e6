package plugins

import (
	"sync"
	"sync/atomic"
	"time"

	"debugprobe/internal/eventbus"
	"debugprobe/internal/kernel"
	"debugprobe/pkg/domain"
)

const WSPluginID domain.PluginID = "websocket"

// WSPlugin WebSocket 会话与帧捕获插件。会话 URL 在创建时登记，
// 之后每一帧经 session→url 映射补全；外发/入站帧可被 mock 规则替换。
type WSPlugin struct {
	kernel.BasePlugin

	bus     *eventbus.Bus
	ctx     *kernel.Context
	enabled atomic.Bool

	mu       sync.Mutex
	sessions map[domain.WSSessionID]string // session → url
}

// NewWSPlugin 创建插件
func NewWSPlugin(bus *eventbus.Bus) *WSPlugin {
	p := &WSPlugin{
		bus:      bus,
		sessions: make(map[domain.WSSessionID]string),
	}
	p.PluginID = WSPluginID
	p.Name = "WebSocket 捕获"
	p.Ver = "1.0.0"
	p.DependsOn = []domain.PluginID{NetworkPluginID}
	return p
}

func (p *WSPlugin) Initialize(ctx *kernel.Context) error {
	p.ctx = ctx
	return nil
}

func (p *WSPlugin) Start() error {
	p.enabled.Store(true)
	p.bus.SetWSHandler(p.forward)
	return nil
}

func (p *WSPlugin) Stop() error {
	p.enabled.Store(false)
	p.bus.SetWSHandler(nil)
	p.mu.Lock()
	p.sessions = make(map[domain.WSSessionID]string)
	p.mu.Unlock()
	return nil
}

func (p *WSPlugin) Pause() error {
	p.enabled.Store(false)
	return nil
}

func (p *WSPlugin) Resume() error {
	p.enabled.Store(true)
	return nil
}

// SessionCreated 捕获桩：新会话建立
func (p *WSPlugin) SessionCreated(id domain.WSSessionID, url string) {
	p.mu.Lock()
	p.sessions[id] = url
	p.mu.Unlock()

	p.bus.EmitWS(domain.WSEvent{
		Kind:    domain.WSSessionCreated,
		Session: &domain.WSSessionInfo{SessionID: id, URL: url},
	})
}

// SessionClosed 捕获桩：会话关闭，摘除映射
func (p *WSPlugin) SessionClosed(id domain.WSSessionID, closeCode int, reason string) {
	p.mu.Lock()
	url := p.sessions[id]
	delete(p.sessions, id)
	p.mu.Unlock()

	now := time.Now()
	p.bus.EmitWS(domain.WSEvent{
		Kind: domain.WSSessionClosed,
		Session: &domain.WSSessionInfo{
			SessionID:      id,
			URL:            url,
			CloseCode:      closeCode,
			CloseReason:    reason,
			DisconnectTime: &now,
		},
	})
}

// Frame 捕获桩：一帧流量。返回（可能被 mock 替换的）载荷，
// 捕获桩应将其作为真正收发的内容。
func (p *WSPlugin) Frame(id domain.WSSessionID, direction domain.WSDirection, opcode domain.WSOpcode, payload []byte) []byte {
	p.mu.Lock()
	url := p.sessions[id]
	p.mu.Unlock()

	out := payload
	var mocked bool
	var ruleID *domain.RuleID
	if m := p.bus.Mock(); m != nil && (opcode == domain.WSOpText || opcode == domain.WSOpBinary) {
		out, mocked, ruleID = m.MockWSFrame(url, direction, payload)
	}

	ev := domain.WSEvent{
		Kind:      domain.WSFrame,
		SessionID: id,
		URL:       url,
		Direction: direction,
		Opcode:    opcode,
		Payload:   out,
		IsMocked:  mocked,
	}
	if ruleID != nil {
		ev.MockRuleID = *ruleID
	}
	p.bus.EmitWS(ev)
	return out
}

// forward 帧事件裹上事件壳转发给桥接
func (p *WSPlugin) forward(ev domain.WSEvent) {
	if !p.enabled.Load() || p.ctx == nil || p.ctx.EmitEvent == nil {
		return
	}
	out := domain.NewEvent(domain.EventWebSocket)
	out.WebSocket = &ev
	p.ctx.EmitEvent(out)
}

func (p *WSPlugin) HandleCommand(cmd domain.PluginCommand) domain.PluginCommandResponse {
	switch cmd.CommandType {
	case CmdEnable:
		p.enabled.Store(true)
		return okJSON(cmd, statusPayload{Enabled: true})
	case CmdDisable:
		p.enabled.Store(false)
		return okJSON(cmd, statusPayload{Enabled: false})
	case CmdGetStatus:
		p.mu.Lock()
		n := len(p.sessions)
		p.mu.Unlock()
		return okJSON(cmd, map[string]any{
			"enabled":        p.enabled.Load(),
			"activeSessions": n,
		})
	default:
		return unknownCommand(cmd)
	}
}
