package plugins

import (
	"encoding/json"

	"debugprobe/internal/bridge"
	"debugprobe/internal/eventbus"
	"debugprobe/internal/kernel"
	"debugprobe/internal/rules"
	"debugprobe/pkg/domain"
	"debugprobe/pkg/rulespec"
	"debugprobe/pkg/traffic"
)

const BreakpointPluginID domain.PluginID = "breakpoint"

// HitEmitter 断点命中帧出口（桥接的 SendBreakpointHit）
type HitEmitter func(bridge.BreakpointHitPayload)

// BreakpointPlugin 断点规则插件。命中以控制帧直发桥接；
// resume_breakpoint 既可经桥接帧直达，也可作为插件指令到达，
// 两条路都落到引擎的 Resolve。
type BreakpointPlugin struct {
	kernel.BasePlugin

	bus    *eventbus.Bus
	engine *rules.BreakpointEngine
}

// NewBreakpointPlugin 创建插件
func NewBreakpointPlugin(bus *eventbus.Bus, engine *rules.BreakpointEngine, emitHit HitEmitter) *BreakpointPlugin {
	p := &BreakpointPlugin{bus: bus, engine: engine}
	p.PluginID = BreakpointPluginID
	p.Name = "请求断点"
	p.Ver = "1.0.0"
	p.DependsOn = []domain.PluginID{NetworkPluginID}

	engine.SetHitSink(func(requestID string, stage rulespec.BreakpointStage, req *traffic.Request, resp *traffic.Response) {
		if emitHit == nil {
			return
		}
		payload := bridge.BreakpointHitPayload{
			RequestID: requestID,
			Stage:     string(stage),
			Request:   requestSnapshot(req),
			Response:  responseSnapshot(resp),
		}
		emitHit(payload)
	})
	return p
}

func (p *BreakpointPlugin) Start() error {
	p.bus.SetBreakpointConsult(p.engine)
	return nil
}

func (p *BreakpointPlugin) Stop() error {
	p.bus.SetBreakpointConsult(nil)
	p.engine.AbortAll()
	return nil
}

func (p *BreakpointPlugin) Pause() error {
	p.bus.SetBreakpointConsult(nil)
	p.engine.AbortAll()
	return nil
}

func (p *BreakpointPlugin) Resume() error {
	p.bus.SetBreakpointConsult(p.engine)
	return nil
}

// Resolve 桥接收到 resume_breakpoint 帧时调用
func (p *BreakpointPlugin) Resolve(payload bridge.BreakpointResumePayload) {
	p.engine.Resolve(payload.RequestID, rules.Resolution{
		Action:    rules.ResumeAction(payload.Action),
		Request:   snapshotToRequest(payload.ModifiedRequest),
		Response:  snapshotToResponse(payload.ModifiedResponse),
		BodyPatch: payload.BodyPatch,
	})
}

func (p *BreakpointPlugin) HandleCommand(cmd domain.PluginCommand) domain.PluginCommandResponse {
	switch cmd.CommandType {
	case CmdEnable:
		p.bus.SetBreakpointConsult(p.engine)
		return okJSON(cmd, statusPayload{Enabled: true})
	case CmdDisable:
		p.bus.SetBreakpointConsult(nil)
		p.engine.AbortAll()
		return okJSON(cmd, statusPayload{Enabled: false})
	case CmdGetStatus:
		return okJSON(cmd, map[string]any{
			"enabled": p.bus.Breakpoint() != nil,
			"pending": p.engine.Pending(),
		})
	case CmdUpdateRules:
		var rs []rulespec.BreakpointRule
		if err := json.Unmarshal(cmd.Payload, &rs); err != nil {
			return domain.FailResponse(cmd, "InvalidConfiguration", err.Error())
		}
		p.engine.Update(rs)
		return okJSON(cmd, nil)
	case CmdAddRule:
		var r rulespec.BreakpointRule
		if err := json.Unmarshal(cmd.Payload, &r); err != nil {
			return domain.FailResponse(cmd, "InvalidConfiguration", err.Error())
		}
		p.engine.Add(r)
		return okJSON(cmd, nil)
	case CmdRemoveRule:
		var req struct {
			ID domain.RuleID `json:"id"`
		}
		if err := json.Unmarshal(cmd.Payload, &req); err != nil {
			return domain.FailResponse(cmd, "InvalidConfiguration", err.Error())
		}
		return okJSON(cmd, map[string]bool{"removed": p.engine.Remove(req.ID)})
	case CmdGetRules:
		return okJSON(cmd, p.engine.Rules())
	case CmdResumeBreakpoint:
		var payload bridge.BreakpointResumePayload
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return domain.FailResponse(cmd, "InvalidConfiguration", err.Error())
		}
		p.Resolve(payload)
		return okJSON(cmd, nil)
	default:
		return unknownCommand(cmd)
	}
}
