package kernel

import (
	"fmt"
	"sync"

	"debugprobe/internal/logger"
	"debugprobe/pkg/domain"
)

// StateListener 状态变更通知（桥接层用于上报 plugin_state_changed）
type StateListener func(id domain.PluginID, state domain.PluginState)

type entry struct {
	plugin Plugin

	// mu 串行化该插件的生命周期动作，两次 start 不会交叠
	mu    sync.Mutex
	state domain.PluginState
}

// Kernel 插件容器：注册、依赖排序、生命周期驱动与指令路由
type Kernel struct {
	mu       sync.Mutex
	registry map[domain.PluginID]*entry
	order    []domain.PluginID
	started  bool

	ctx      *Context
	config   ConfigStore
	log      logger.Logger
	onState  StateListener
	emitEvt  func(domain.DebugEvent)
	emitResp func(domain.PluginCommandResponse)
}

// Options 内核装配参数
type Options struct {
	Config       ConfigStore
	Logger       logger.Logger
	EmitEvent    func(domain.DebugEvent)
	EmitResponse func(domain.PluginCommandResponse)
}

// New 创建内核
func New(opts Options) *Kernel {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Kernel{
		registry: make(map[domain.PluginID]*entry),
		config:   opts.Config,
		log:      l,
		emitEvt:  opts.EmitEvent,
		emitResp: opts.EmitResponse,
	}
}

// SetStateListener 设置状态监听，启动前调用
func (k *Kernel) SetStateListener(fn StateListener) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.onState = fn
}

// Register 注册插件，仅允许在 StartAll 之前
func (k *Kernel) Register(p Plugin) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return fmt.Errorf("内核已启动，拒绝注册: %s", p.ID())
	}
	if _, ok := k.registry[p.ID()]; ok {
		return DuplicatePluginIDError{ID: p.ID()}
	}
	k.registry[p.ID()] = &entry{plugin: p, state: domain.StateUninitialized}
	return nil
}

// StartAll 解析依赖顺序后依次初始化并启动全部插件。
// 首个失败即返回 StartFailedError，已启动的插件保持运行。
func (k *Kernel) StartAll(device domain.DeviceInfo) error {
	k.mu.Lock()
	if k.started {
		k.mu.Unlock()
		k.log.Warn("重复调用 StartAll，忽略")
		return nil
	}
	order, err := k.resolveOrderLocked()
	if err != nil {
		k.mu.Unlock()
		return err
	}
	k.order = order
	k.started = true
	k.ctx = &Context{
		Device:       device,
		Config:       k.config,
		Log:          k.log,
		EmitEvent:    k.emitEvt,
		EmitResponse: k.emitResp,
	}
	ctx := k.ctx
	k.mu.Unlock()

	for _, id := range order {
		e := k.entryOf(id)
		if e == nil {
			continue
		}
		if err := k.startOne(e, ctx); err != nil {
			return StartFailedError{ID: id, Cause: err}
		}
	}
	k.log.Info("所有插件已启动", "count", len(order))
	return nil
}

// StopAll 逆启动序停止插件，逐个吞掉错误做尽力清理
func (k *Kernel) StopAll() {
	k.mu.Lock()
	order := append([]domain.PluginID(nil), k.order...)
	k.started = false
	k.ctx = nil
	k.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		e := k.entryOf(order[i])
		if e == nil {
			continue
		}
		e.mu.Lock()
		if e.state == domain.StateRunning || e.state == domain.StatePaused || e.state == domain.StateError {
			k.setStateLocked(e, domain.StateStopping)
			if err := e.plugin.Stop(); err != nil {
				k.log.Warn("插件停止失败", "plugin", e.plugin.ID(), "error", err)
			}
			k.setStateLocked(e, domain.StateStopped)
		}
		e.mu.Unlock()
	}
	k.log.Info("所有插件已停止")
}

// PauseAll 正序暂停所有运行中的插件
func (k *Kernel) PauseAll() {
	for _, id := range k.snapshotOrder() {
		if e := k.entryOf(id); e != nil {
			k.pauseOne(e)
		}
	}
}

// ResumeAll 正序恢复所有暂停的插件
func (k *Kernel) ResumeAll() {
	for _, id := range k.snapshotOrder() {
		if e := k.entryOf(id); e != nil {
			k.resumeOne(e)
		}
	}
}

// SetPluginEnabled 请求级开关：启用时 paused→resume、stopped→start；
// 停用时 running→pause，从不降级到 stopped，保留配置。
func (k *Kernel) SetPluginEnabled(id domain.PluginID, enabled bool) error {
	e := k.entryOf(id)
	if e == nil {
		return PluginNotFoundError{ID: id}
	}
	k.mu.Lock()
	ctx := k.ctx
	k.mu.Unlock()

	if enabled {
		e.mu.Lock()
		state := e.state
		e.mu.Unlock()
		switch state {
		case domain.StatePaused:
			k.resumeOne(e)
		case domain.StateStopped, domain.StateUninitialized:
			if ctx == nil {
				return fmt.Errorf("内核未启动，无法启用插件 %s", id)
			}
			if err := k.startOne(e, ctx); err != nil {
				return StartFailedError{ID: id, Cause: err}
			}
		}
		return nil
	}
	k.pauseOne(e)
	return nil
}

// RouteCommand 按 PluginID 分发指令，插件异常不会外溢到宿主
func (k *Kernel) RouteCommand(cmd domain.PluginCommand) domain.PluginCommandResponse {
	e := k.entryOf(cmd.PluginID)
	if e == nil {
		return domain.FailResponse(cmd, CodePluginNotFound, fmt.Sprintf("plugin %q not registered", cmd.PluginID))
	}
	var resp domain.PluginCommandResponse
	func() {
		defer func() {
			if r := recover(); r != nil {
				k.log.Error("插件指令处理崩溃", "plugin", cmd.PluginID, "command", cmd.CommandType, "panic", r)
				k.markError(e)
				resp = domain.FailResponse(cmd, CodeInternalError, fmt.Sprintf("panic: %v", r))
			}
		}()
		resp = e.plugin.HandleCommand(cmd)
	}()
	return resp
}

// PluginInfos 各插件元信息与状态快照
func (k *Kernel) PluginInfos() []domain.PluginInfo {
	k.mu.Lock()
	order := append([]domain.PluginID(nil), k.order...)
	if len(order) == 0 {
		for id := range k.registry {
			order = append(order, id)
		}
	}
	k.mu.Unlock()

	infos := make([]domain.PluginInfo, 0, len(order))
	for _, id := range order {
		e := k.entryOf(id)
		if e == nil {
			continue
		}
		e.mu.Lock()
		infos = append(infos, domain.PluginInfo{
			ID:           e.plugin.ID(),
			DisplayName:  e.plugin.DisplayName(),
			Version:      e.plugin.Version(),
			State:        e.state,
			Dependencies: e.plugin.Dependencies(),
		})
		e.mu.Unlock()
	}
	return infos
}

// State 查询单个插件状态
func (k *Kernel) State(id domain.PluginID) (domain.PluginState, bool) {
	e := k.entryOf(id)
	if e == nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

func (k *Kernel) entryOf(id domain.PluginID) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.registry[id]
}

func (k *Kernel) snapshotOrder() []domain.PluginID {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]domain.PluginID(nil), k.order...)
}

func (k *Kernel) startOne(e *entry, ctx *Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case domain.StateRunning, domain.StateStarting:
		return nil
	}
	k.setStateLocked(e, domain.StateStarting)
	if err := e.plugin.Initialize(ctx); err != nil {
		k.setStateLocked(e, domain.StateError)
		return err
	}
	if err := e.plugin.Start(); err != nil {
		k.setStateLocked(e, domain.StateError)
		return err
	}
	k.setStateLocked(e, domain.StateRunning)
	return nil
}

func (k *Kernel) pauseOne(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != domain.StateRunning {
		return
	}
	if err := e.plugin.Pause(); err != nil {
		k.log.Warn("插件暂停失败", "plugin", e.plugin.ID(), "error", err)
		k.setStateLocked(e, domain.StateError)
		return
	}
	k.setStateLocked(e, domain.StatePaused)
}

func (k *Kernel) resumeOne(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != domain.StatePaused {
		return
	}
	if err := e.plugin.Resume(); err != nil {
		k.log.Warn("插件恢复失败", "plugin", e.plugin.ID(), "error", err)
		k.setStateLocked(e, domain.StateError)
		return
	}
	k.setStateLocked(e, domain.StateRunning)
}

func (k *Kernel) markError(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	k.setStateLocked(e, domain.StateError)
}

// setStateLocked 调用方须持有 e.mu
func (k *Kernel) setStateLocked(e *entry, s domain.PluginState) {
	e.state = s
	k.mu.Lock()
	fn := k.onState
	k.mu.Unlock()
	if fn != nil {
		fn(e.plugin.ID(), s)
	}
}

// 三色标记，GREY 上的回边即为环
type visitColor int

const (
	white visitColor = iota
	grey
	black
)

// resolveOrderLocked 深度优先拓扑排序，依赖排在依赖者之前
func (k *Kernel) resolveOrderLocked() ([]domain.PluginID, error) {
	colors := make(map[domain.PluginID]visitColor, len(k.registry))
	var order []domain.PluginID

	var visit func(id domain.PluginID) error
	visit = func(id domain.PluginID) error {
		switch colors[id] {
		case black:
			return nil
		case grey:
			return CircularDependencyError{ID: id}
		}
		colors[id] = grey
		e := k.registry[id]
		for _, dep := range e.plugin.Dependencies() {
			if _, ok := k.registry[dep]; !ok {
				return MissingDependencyError{Plugin: id, Dep: dep}
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		colors[id] = black
		order = append(order, id)
		return nil
	}

	// 遍历顺序不定，但依赖先于依赖者这一不变量恒成立
	for id := range k.registry {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}
