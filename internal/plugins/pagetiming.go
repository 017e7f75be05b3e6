package plugins

import (
	"encoding/json"
	"sync/atomic"

	"debugprobe/internal/eventbus"
	"debugprobe/internal/kernel"
	"debugprobe/internal/pagetiming"
	"debugprobe/pkg/domain"
)

const PageTimingPluginID domain.PluginID = "pagetiming"

// PageTimingPlugin 页面计时插件，包装访问记录器
type PageTimingPlugin struct {
	kernel.BasePlugin

	bus      *eventbus.Bus
	recorder *pagetiming.Recorder
	ctx      *kernel.Context
	enabled  atomic.Bool
}

// NewPageTimingPlugin 创建插件
func NewPageTimingPlugin(bus *eventbus.Bus, recorder *pagetiming.Recorder) *PageTimingPlugin {
	p := &PageTimingPlugin{bus: bus, recorder: recorder}
	p.PluginID = PageTimingPluginID
	p.Name = "页面计时"
	p.Ver = "1.0.0"
	return p
}

func (p *PageTimingPlugin) Initialize(ctx *kernel.Context) error {
	p.ctx = ctx
	return nil
}

func (p *PageTimingPlugin) Start() error {
	p.enabled.Store(true)
	p.bus.SetPageTimingHandler(p.forward)
	return nil
}

func (p *PageTimingPlugin) Stop() error {
	p.enabled.Store(false)
	p.bus.SetPageTimingHandler(nil)
	return nil
}

func (p *PageTimingPlugin) Pause() error {
	p.enabled.Store(false)
	return nil
}

func (p *PageTimingPlugin) Resume() error {
	p.enabled.Store(true)
	return nil
}

func (p *PageTimingPlugin) forward(ev domain.PageTimingEvent) {
	if !p.enabled.Load() || p.ctx == nil || p.ctx.EmitEvent == nil {
		return
	}
	out := domain.NewEvent(domain.EventPageTiming)
	out.PageTiming = &ev
	p.ctx.EmitEvent(out)
}

func (p *PageTimingPlugin) HandleCommand(cmd domain.PluginCommand) domain.PluginCommandResponse {
	switch cmd.CommandType {
	case CmdEnable:
		p.enabled.Store(true)
		return okJSON(cmd, statusPayload{Enabled: true})
	case CmdDisable:
		p.enabled.Store(false)
		return okJSON(cmd, statusPayload{Enabled: false})
	case CmdGetStatus:
		return okJSON(cmd, map[string]any{
			"enabled":      p.enabled.Load(),
			"activeVisits": p.recorder.Active(),
		})
	case "add_marker":
		var req struct {
			VisitID domain.VisitID `json:"visitId"`
			Name    string         `json:"name"`
		}
		if err := json.Unmarshal(cmd.Payload, &req); err != nil {
			return domain.FailResponse(cmd, "InvalidConfiguration", err.Error())
		}
		p.recorder.AddMarker(req.VisitID, req.Name)
		return okJSON(cmd, nil)
	default:
		return unknownCommand(cmd)
	}
}
