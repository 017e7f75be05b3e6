package agent

import (
	"fmt"

	"debugprobe/internal/bridge"
	"debugprobe/internal/config"
	"debugprobe/internal/eventbus"
	"debugprobe/internal/inspector"
	"debugprobe/internal/kernel"
	"debugprobe/internal/logger"
	"debugprobe/internal/pagetiming"
	"debugprobe/internal/pipeline"
	"debugprobe/internal/plugins"
	"debugprobe/internal/rules"
	"debugprobe/internal/settings"
	"debugprobe/pkg/domain"
	"debugprobe/pkg/traffic"
)

// SDKVersion 注册握手上报的版本号
const SDKVersion = "1.0.0"

// Options 装配参数
type Options struct {
	Config *config.Config
	Device domain.DeviceInfo
	Logger logger.Logger
	// Store 为空时按 Config.Sqlite.Dsn 打开
	Store *settings.Store
}

// Agent 调试探针本体。不依赖任何进程级单例：引擎、总线、内核、
// 桥接全部由 Agent 持有，测试可按例隔离实例化。
type Agent struct {
	cfg    *config.Config
	log    logger.Logger
	store  *settings.Store
	device domain.DeviceInfo

	bus   *eventbus.Bus
	mock  *rules.MockEngine
	chaos *rules.ChaosEngine
	brk   *rules.BreakpointEngine
	pipe  *pipeline.Pipeline

	queue  *bridge.Queue
	bridge *bridge.Bridge
	kern   *kernel.Kernel

	inspector *inspector.Inspector
	recorder  *pagetiming.Recorder

	network    *plugins.NetworkPlugin
	ws         *plugins.WSPlugin
	pagePlugin *plugins.PageTimingPlugin
	brkPlugin  *plugins.BreakpointPlugin
}

// New 装配探针
func New(opts Options) (*Agent, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}
	log := opts.Logger
	if log == nil {
		log = logger.New(logger.Options{
			Level:    cfg.Log.Level,
			Writers:  cfg.Log.Writer,
			FilePath: cfg.Log.File,
			Verbose:  cfg.Log.Verbose,
		})
	}

	store := opts.Store
	if store == nil {
		var err error
		store, err = settings.Open(cfg.Sqlite.Dsn, log)
		if err != nil {
			return nil, fmt.Errorf("打开设置存储失败: %w", err)
		}
	}
	// 运行时持久化值优先于配置文件
	store.Resolve(cfg)

	a := &Agent{cfg: cfg, log: log, store: store, device: opts.Device}
	a.bus = eventbus.New()
	a.mock = rules.NewMockEngine()
	a.chaos = rules.NewChaosEngine(nil)
	a.brk = rules.NewBreakpointEngine()
	a.pipe = pipeline.New(a.bus, a.bus.EmitHTTP, log)
	a.inspector = inspector.New(log)
	a.recorder = pagetiming.New(a.bus.EmitPageTiming, log)

	queue, err := bridge.OpenQueue(cfg.Bridge.QueueDSN, cfg.Bridge.QueueLimit, log)
	if err != nil {
		return nil, fmt.Errorf("打开事件队列失败: %w", err)
	}
	a.queue = queue

	a.kern = kernel.New(kernel.Options{
		Config:       store,
		Logger:       log,
		EmitEvent:    func(ev domain.DebugEvent) { a.bridge.Publish(ev) },
		EmitResponse: func(resp domain.PluginCommandResponse) { a.bridge.SendCommandResponse(resp) },
	})

	a.bridge = bridge.New(bridge.Options{
		URL:          cfg.BridgeURL(),
		Token:        cfg.Hub.Token,
		SDKVersion:   SDKVersion,
		Device:       opts.Device,
		Plugins:      a.kern.PluginInfos,
		BatchSize:    cfg.Bridge.BatchSize,
		FlushEvery:   cfg.Bridge.FlushEvery,
		CommandGrace: cfg.Bridge.CommandGrace,
		Queue:        queue,
		Logger:       log,
	})

	a.network = plugins.NewNetworkPlugin(a.bus, a.mock, a.chaos, a.pipe)
	a.ws = plugins.NewWSPlugin(a.bus)
	a.pagePlugin = plugins.NewPageTimingPlugin(a.bus, a.recorder)
	a.brkPlugin = plugins.NewBreakpointPlugin(a.bus, a.brk, a.bridge.SendBreakpointHit)
	logPlugin := plugins.NewLogCapturePlugin(a.bus)
	dbPlugin := plugins.NewDatabasePlugin(a.inspector)

	for _, p := range []kernel.Plugin{a.network, logPlugin, a.ws, a.pagePlugin, a.brkPlugin, dbPlugin} {
		if err := a.kern.Register(p); err != nil {
			return nil, err
		}
	}

	a.bridge.SetCommandHandler(a.kern.RouteCommand)
	a.bridge.SetResumeHandler(a.brkPlugin.Resolve)
	// 桥接断开时中止全部断点等待器
	a.bridge.SetDisconnectHandler(a.brk.AbortAll)
	a.kern.SetStateListener(func(id domain.PluginID, state domain.PluginState) {
		a.bridge.SendPluginState(id, state)
	})

	return a, nil
}

// Start 启动内核与桥接。总开关关闭时为空操作。
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		a.log.Info("调试探针未启用")
		return nil
	}
	if err := a.kern.StartAll(a.deviceInfo()); err != nil {
		return err
	}
	a.bridge.Start()
	a.log.Info("调试探针已启动", "url", a.cfg.BridgeURL())
	return nil
}

// Stop 停止桥接与全部插件
func (a *Agent) Stop() {
	a.bridge.Stop()
	a.brk.AbortAll()
	a.kern.StopAll()
}

func (a *Agent) deviceInfo() domain.DeviceInfo {
	return a.device
}

// ---- 捕获桩入口（宿主平台层同步调用）----

// OnRequest 请求侧流水线入口
func (a *Agent) OnRequest(req *traffic.Request) pipeline.RequestOutcome {
	return a.pipe.ProcessRequest(req)
}

// OnResponse 响应侧流水线入口
func (a *Agent) OnResponse(req *traffic.Request, resp *traffic.Response) {
	a.pipe.ProcessResponse(req, resp)
}

// OnRequestFailure 真实网络失败上报
func (a *Agent) OnRequestFailure(req *traffic.Request, netErr domain.NetworkError) {
	a.pipe.EmitFailure(req, netErr)
}

// ShouldBufferResponseBody 响应体缓冲预检
func (a *Agent) ShouldBufferResponseBody(req *traffic.Request) bool {
	return a.pipe.ShouldBufferResponseBody(req)
}

// RecordRedirect 登记重定向链
func (a *Agent) RecordRedirect(childRequestID, parentRequestID string) {
	a.pipe.RecordRedirect(childRequestID, parentRequestID)
}

// OnLogRecord 日志桥入口
func (a *Agent) OnLogRecord(ev domain.LogEvent) {
	a.bus.EmitLog(ev)
}

// WSSessionCreated WebSocket 捕获桩入口
func (a *Agent) WSSessionCreated(id domain.WSSessionID, url string) {
	a.ws.SessionCreated(id, url)
}

func (a *Agent) WSSessionClosed(id domain.WSSessionID, closeCode int, reason string) {
	a.ws.SessionClosed(id, closeCode, reason)
}

func (a *Agent) WSFrame(id domain.WSSessionID, direction domain.WSDirection, opcode domain.WSOpcode, payload []byte) []byte {
	return a.ws.Frame(id, direction, opcode, payload)
}

// MarkPageStart 页面计时入口
func (a *Agent) MarkPageStart(id domain.VisitID, pageID, pageName string, opts pagetiming.StartOptions) {
	a.recorder.MarkPageStart(id, pageID, pageName, opts)
}

func (a *Agent) MarkPageFirstLayout(id domain.VisitID) { a.recorder.MarkPageFirstLayout(id) }
func (a *Agent) MarkPageAppear(id domain.VisitID)      { a.recorder.MarkPageAppear(id) }
func (a *Agent) AddPageMarker(id domain.VisitID, name string) {
	a.recorder.AddMarker(id, name)
}
func (a *Agent) MarkPageEnd(id domain.VisitID) { a.recorder.MarkPageEnd(id) }

// ---- 宿主管理入口 ----

// RegisterDatabase 注册可巡检的数据库
func (a *Agent) RegisterDatabase(d inspector.Descriptor, key inspector.KeyProvider) {
	a.inspector.Register(d, key)
}

// ConfigureHub 应用 debughub:// 配置链接并立即重连
func (a *Agent) ConfigureHub(rawURL string) error {
	ep, err := config.ParseHubURL(rawURL)
	if err != nil {
		return err
	}
	if err := a.store.ApplyHub(ep); err != nil {
		return err
	}
	a.cfg.Hub.Host = ep.Host
	a.cfg.Hub.Port = ep.Port
	a.cfg.Hub.Token = ep.Token
	a.bridge.Reconnect(a.cfg.BridgeURL(), ep.Token)
	return nil
}

// SetPluginEnabled 请求级插件开关，并持久化偏好
func (a *Agent) SetPluginEnabled(id domain.PluginID, enabled bool) error {
	if err := a.store.SetPluginEnabled(id, enabled); err != nil {
		a.log.Warn("插件开关持久化失败", "plugin", id, "error", err)
	}
	return a.kern.SetPluginEnabled(id, enabled)
}

// PluginInfos 插件状态快照
func (a *Agent) PluginInfos() []domain.PluginInfo { return a.kern.PluginInfos() }

// BridgeState 桥接状态
func (a *Agent) BridgeState() bridge.State { return a.bridge.State() }

// Stats 桥接运行计数
func (a *Agent) Stats() bridge.Stats { return a.bridge.Stats() }

// EmitStatsEvent 将当前计数作为 Stats 事件入队
func (a *Agent) EmitStatsEvent() {
	s := a.bridge.Stats()
	ev := domain.NewEvent(domain.EventStats)
	ev.Stats = &domain.StatsEvent{
		QueueDepth:   s.QueueDepth,
		EventsSent:   s.EventsSent,
		EventsAcked:  s.EventsAcked,
		EventsDrop:   s.EventsDrop,
		Reconnects:   s.Reconnects,
		SerializeErr: s.SerializeErr,
	}
	a.bridge.Publish(ev)
}
