package plugins

import (
	"encoding/json"
	"sync/atomic"

	"debugprobe/internal/eventbus"
	"debugprobe/internal/kernel"
	"debugprobe/pkg/domain"
)

const LogPluginID domain.PluginID = "logcapture"

// LogCapturePlugin 宿主日志捕获插件。级别地板过滤；
// 转发过程中产生的日志被抑制，避免自激递归。
type LogCapturePlugin struct {
	kernel.BasePlugin

	bus     *eventbus.Bus
	ctx     *kernel.Context
	enabled atomic.Bool
	// minLevel 低于该级别的记录直接丢弃
	minLevel atomic.Int32
	// forwarding 递归抑制标志
	forwarding atomic.Bool
}

// NewLogCapturePlugin 创建插件
func NewLogCapturePlugin(bus *eventbus.Bus) *LogCapturePlugin {
	p := &LogCapturePlugin{bus: bus}
	p.PluginID = LogPluginID
	p.Name = "日志捕获"
	p.Ver = "1.0.0"
	p.minLevel.Store(int32(domain.LogDebug))
	return p
}

func (p *LogCapturePlugin) Initialize(ctx *kernel.Context) error {
	p.ctx = ctx
	var level string
	if ok, err := ctx.Config.Get("logcapture.minLevel", &level); err == nil && ok {
		p.minLevel.Store(int32(domain.ParseLogLevel(level)))
	}
	return nil
}

func (p *LogCapturePlugin) Start() error {
	p.enabled.Store(true)
	p.bus.SetLogHandler(p.onLogRecord)
	return nil
}

func (p *LogCapturePlugin) Stop() error {
	p.enabled.Store(false)
	p.bus.SetLogHandler(nil)
	return nil
}

func (p *LogCapturePlugin) Pause() error {
	p.enabled.Store(false)
	return nil
}

func (p *LogCapturePlugin) Resume() error {
	p.enabled.Store(true)
	return nil
}

func (p *LogCapturePlugin) onLogRecord(ev domain.LogEvent) {
	if !p.enabled.Load() || p.ctx == nil || p.ctx.EmitEvent == nil {
		return
	}
	if int32(ev.Level) < p.minLevel.Load() {
		return
	}
	// 转发期间进来的记录来自转发本身，丢弃
	if !p.forwarding.CompareAndSwap(false, true) {
		return
	}
	defer p.forwarding.Store(false)

	out := domain.NewEvent(domain.EventLog)
	out.Log = &ev
	p.ctx.EmitEvent(out)
}

func (p *LogCapturePlugin) HandleCommand(cmd domain.PluginCommand) domain.PluginCommandResponse {
	switch cmd.CommandType {
	case CmdEnable:
		p.enabled.Store(true)
		return okJSON(cmd, statusPayload{Enabled: true})
	case CmdDisable:
		p.enabled.Store(false)
		return okJSON(cmd, statusPayload{Enabled: false})
	case CmdGetStatus:
		return okJSON(cmd, map[string]any{
			"enabled":  p.enabled.Load(),
			"minLevel": domain.LogLevel(p.minLevel.Load()).String(),
		})
	case CmdSetConfig:
		var cfg struct {
			MinLevel string `json:"minLevel"`
		}
		if err := json.Unmarshal(cmd.Payload, &cfg); err != nil {
			return domain.FailResponse(cmd, "InvalidConfiguration", err.Error())
		}
		p.minLevel.Store(int32(domain.ParseLogLevel(cfg.MinLevel)))
		if p.ctx != nil {
			_ = p.ctx.Config.Set("logcapture.minLevel", cfg.MinLevel)
		}
		return okJSON(cmd, nil)
	default:
		return unknownCommand(cmd)
	}
}
