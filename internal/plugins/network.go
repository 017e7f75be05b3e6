package plugins

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"debugprobe/internal/eventbus"
	"debugprobe/internal/kernel"
	"debugprobe/internal/pipeline"
	"debugprobe/internal/rules"
	"debugprobe/pkg/domain"
	"debugprobe/pkg/rulespec"
	"debugprobe/pkg/traffic"
)

const NetworkPluginID domain.PluginID = "network"

// NetworkConfig 捕获行为配置
type NetworkConfig struct {
	CaptureBodies bool  `json:"captureBodies"`
	MaxBodyBytes  int64 `json:"maxBodyBytes"`
}

// NetworkPlugin HTTP 捕获与干预插件：持有 mock/chaos 引擎并把
// 回调槽安装到事件总线，流水线经总线咨询规则。
type NetworkPlugin struct {
	kernel.BasePlugin

	bus   *eventbus.Bus
	mock  *rules.MockEngine
	chaos *rules.ChaosEngine
	pipe  *pipeline.Pipeline

	ctx     *kernel.Context
	enabled atomic.Bool

	mu        sync.Mutex
	config    NetworkConfig
	transport http.RoundTripper // replay 出口，可注入
}

// NewNetworkPlugin 创建插件
func NewNetworkPlugin(bus *eventbus.Bus, mock *rules.MockEngine, chaos *rules.ChaosEngine, pipe *pipeline.Pipeline) *NetworkPlugin {
	p := &NetworkPlugin{
		bus:   bus,
		mock:  mock,
		chaos: chaos,
		pipe:  pipe,
		config: NetworkConfig{
			CaptureBodies: true,
			MaxBodyBytes:  1 << 20,
		},
		transport: http.DefaultTransport,
	}
	p.PluginID = NetworkPluginID
	p.Name = "网络捕获"
	p.Ver = "1.0.0"
	return p
}

// SetTransport 注入 replay 使用的传输层
func (p *NetworkPlugin) SetTransport(rt http.RoundTripper) {
	p.mu.Lock()
	p.transport = rt
	p.mu.Unlock()
}

func (p *NetworkPlugin) Initialize(ctx *kernel.Context) error {
	p.ctx = ctx
	var cfg NetworkConfig
	if ok, err := ctx.Config.Get("network.config", &cfg); err == nil && ok {
		p.mu.Lock()
		p.config = cfg
		p.mu.Unlock()
	}
	return nil
}

func (p *NetworkPlugin) Start() error {
	p.enabled.Store(true)
	p.bus.SetHTTPHandler(p.onHTTPEvent)
	p.bus.SetMockConsult(p.mock)
	p.bus.SetChaosConsult(p.chaos)
	return nil
}

func (p *NetworkPlugin) Stop() error {
	p.enabled.Store(false)
	p.bus.SetHTTPHandler(nil)
	p.bus.SetMockConsult(nil)
	p.bus.SetChaosConsult(nil)
	return nil
}

func (p *NetworkPlugin) Pause() error {
	p.enabled.Store(false)
	return nil
}

func (p *NetworkPlugin) Resume() error {
	p.enabled.Store(true)
	return nil
}

// onHTTPEvent 流水线出的事件裹上事件壳转发给桥接
func (p *NetworkPlugin) onHTTPEvent(ev domain.HTTPEvent) {
	if !p.enabled.Load() || p.ctx == nil || p.ctx.EmitEvent == nil {
		return
	}
	p.trimBodies(&ev)
	out := domain.NewEvent(domain.EventHTTP)
	out.HTTP = &ev
	p.ctx.EmitEvent(out)
}

// trimBodies 按配置截断或剥除事件体
func (p *NetworkPlugin) trimBodies(ev *domain.HTTPEvent) {
	p.mu.Lock()
	cfg := p.config
	p.mu.Unlock()
	if !cfg.CaptureBodies {
		ev.Request.Body = nil
		if ev.Response != nil {
			ev.Response.Body = nil
		}
		return
	}
	if cfg.MaxBodyBytes > 0 {
		if int64(len(ev.Request.Body)) > cfg.MaxBodyBytes {
			ev.Request.Body = ev.Request.Body[:cfg.MaxBodyBytes]
		}
		if ev.Response != nil && int64(len(ev.Response.Body)) > cfg.MaxBodyBytes {
			ev.Response.Body = ev.Response.Body[:cfg.MaxBodyBytes]
		}
	}
}

func (p *NetworkPlugin) HandleCommand(cmd domain.PluginCommand) domain.PluginCommandResponse {
	switch cmd.CommandType {
	case CmdEnable:
		p.enabled.Store(true)
		return okJSON(cmd, statusPayload{Enabled: true})
	case CmdDisable:
		p.enabled.Store(false)
		return okJSON(cmd, statusPayload{Enabled: false})
	case CmdGetStatus:
		return okJSON(cmd, statusPayload{Enabled: p.enabled.Load()})
	case CmdUpdateRules:
		return p.handleUpdateRules(cmd)
	case CmdAddRule:
		return p.handleAddRule(cmd)
	case CmdRemoveRule:
		return p.handleRemoveRule(cmd)
	case CmdGetRules:
		return okJSON(cmd, map[string]any{
			"mockRules":  p.mock.Rules(),
			"chaosRules": p.chaos.Rules(),
		})
	case CmdSetConfig:
		return p.handleSetConfig(cmd)
	case CmdReplay:
		return p.handleReplay(cmd)
	default:
		return unknownCommand(cmd)
	}
}

func (p *NetworkPlugin) handleUpdateRules(cmd domain.PluginCommand) domain.PluginCommandResponse {
	doc := gjson.ParseBytes(cmd.Payload)
	if m := doc.Get("mockRules"); m.Exists() {
		var rs []rulespec.MockRule
		if err := json.Unmarshal([]byte(m.Raw), &rs); err != nil {
			return domain.FailResponse(cmd, "InvalidConfiguration", "mockRules: "+err.Error())
		}
		p.mock.Update(rs)
	}
	if c := doc.Get("chaosRules"); c.Exists() {
		var rs []rulespec.ChaosRule
		if err := json.Unmarshal([]byte(c.Raw), &rs); err != nil {
			return domain.FailResponse(cmd, "InvalidConfiguration", "chaosRules: "+err.Error())
		}
		p.chaos.Update(rs)
	}
	return okJSON(cmd, nil)
}

func (p *NetworkPlugin) handleAddRule(cmd domain.PluginCommand) domain.PluginCommandResponse {
	doc := gjson.ParseBytes(cmd.Payload)
	rule := doc.Get("rule")
	switch doc.Get("kind").String() {
	case "mock":
		var r rulespec.MockRule
		if err := json.Unmarshal([]byte(rule.Raw), &r); err != nil {
			return domain.FailResponse(cmd, "InvalidConfiguration", err.Error())
		}
		p.mock.Add(r)
	case "chaos":
		var r rulespec.ChaosRule
		if err := json.Unmarshal([]byte(rule.Raw), &r); err != nil {
			return domain.FailResponse(cmd, "InvalidConfiguration", err.Error())
		}
		p.chaos.Add(r)
	default:
		return domain.FailResponse(cmd, "InvalidConfiguration", "kind must be mock or chaos")
	}
	return okJSON(cmd, nil)
}

func (p *NetworkPlugin) handleRemoveRule(cmd domain.PluginCommand) domain.PluginCommandResponse {
	doc := gjson.ParseBytes(cmd.Payload)
	id := domain.RuleID(doc.Get("id").String())
	var removed bool
	switch doc.Get("kind").String() {
	case "mock":
		removed = p.mock.Remove(id)
	case "chaos":
		removed = p.chaos.Remove(id)
	default:
		return domain.FailResponse(cmd, "InvalidConfiguration", "kind must be mock or chaos")
	}
	return okJSON(cmd, map[string]bool{"removed": removed})
}

func (p *NetworkPlugin) handleSetConfig(cmd domain.PluginCommand) domain.PluginCommandResponse {
	var cfg NetworkConfig
	if err := json.Unmarshal(cmd.Payload, &cfg); err != nil {
		return domain.FailResponse(cmd, "InvalidConfiguration", err.Error())
	}
	p.mu.Lock()
	p.config = cfg
	p.mu.Unlock()
	if p.ctx != nil {
		_ = p.ctx.Config.Set("network.config", cfg)
	}
	return okJSON(cmd, nil)
}

// handleReplay 重放捕获的请求：走完整干预流水线，命中 mock/chaos 的
// 重放与真实请求同等对待
func (p *NetworkPlugin) handleReplay(cmd domain.PluginCommand) domain.PluginCommandResponse {
	var snap struct {
		Request domain.HTTPRequestInfo `json:"request"`
		// BodyPatch 重放前对请求体做局部 JSON 改写
		BodyPatch map[string]json.RawMessage `json:"bodyPatch,omitempty"`
	}
	if err := json.Unmarshal(cmd.Payload, &snap); err != nil {
		return domain.FailResponse(cmd, "InvalidConfiguration", err.Error())
	}
	if snap.Request.URL == "" {
		return domain.FailResponse(cmd, "InvalidConfiguration", "request.url required")
	}
	req := snapshotToRequest(&snap.Request)
	req.ID = uuid.NewString()
	req.StartTime = time.Now()
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if len(snap.BodyPatch) > 0 {
		req.Body = rules.PatchJSONBody(req.Body, snap.BodyPatch)
	}

	outcome := p.pipe.ProcessRequest(req)
	if outcome.Done {
		return okJSON(cmd, map[string]any{"requestId": req.ID, "shortCircuited": true})
	}
	final := outcome.Request

	resp, err := p.roundTrip(final)
	if err != nil {
		p.pipe.EmitFailure(final, domain.NetworkError{
			Domain: "DebugProbe", Code: -1009, Category: domain.ErrCategoryNetwork,
			IsNetworkError: true, Message: err.Error(),
		})
		return domain.FailResponse(cmd, "InternalError", err.Error())
	}
	p.pipe.ProcessResponse(final, resp)
	return okJSON(cmd, map[string]any{
		"requestId":  req.ID,
		"statusCode": resp.StatusCode,
		"durationMs": resp.DurationMS,
	})
}

func (p *NetworkPlugin) roundTrip(req *traffic.Request) (*traffic.Response, error) {
	p.mu.Lock()
	rt := p.transport
	p.mu.Unlock()

	httpReq, err := http.NewRequest(req.Method, req.URL, strings.NewReader(string(req.Body)))
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	start := time.Now()
	httpResp, err := rt.RoundTrip(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))

	resp := traffic.NewResponse()
	resp.StatusCode = httpResp.StatusCode
	resp.Headers = traffic.FromHTTPHeader(httpResp.Header)
	resp.Body = body
	resp.DurationMS = time.Since(start).Milliseconds()
	return resp, nil
}
