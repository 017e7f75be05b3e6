package kernel

import (
	"debugprobe/internal/logger"
	"debugprobe/pkg/domain"
)

// ConfigStore 插件可见的 KV 配置存储，值需可编码
type ConfigStore interface {
	Set(key string, value any) error
	Get(key string, out any) (bool, error)
	GetString(key, fallback string) string
	GetInt(key string, fallback int) int
	GetBool(key string, fallback bool) bool
}

// Context 初始化时交给插件的共享上下文，生命周期与内核一致
type Context struct {
	Device domain.DeviceInfo
	Config ConfigStore
	Log    logger.Logger

	// EmitEvent 事件出口（单向）
	EmitEvent func(domain.DebugEvent)
	// EmitResponse 指令应答出口（单向），用于长耗时指令的异步回包
	EmitResponse func(domain.PluginCommandResponse)
}

// Plugin 捕获/干预模块。状态迁移只由内核驱动。
type Plugin interface {
	ID() domain.PluginID
	DisplayName() string
	Version() string
	Dependencies() []domain.PluginID

	Initialize(ctx *Context) error
	Start() error
	Stop() error
	Pause() error
	Resume() error

	// HandleCommand 处理 Hub 指令，应答的 CommandID 必须原样回传
	HandleCommand(cmd domain.PluginCommand) domain.PluginCommandResponse
}

// BasePlugin 内嵌基座，提供元信息与空生命周期实现
type BasePlugin struct {
	PluginID    domain.PluginID
	Name        string
	Ver         string
	DependsOn   []domain.PluginID
}

func (b *BasePlugin) ID() domain.PluginID              { return b.PluginID }
func (b *BasePlugin) DisplayName() string              { return b.Name }
func (b *BasePlugin) Version() string                  { return b.Ver }
func (b *BasePlugin) Dependencies() []domain.PluginID  { return b.DependsOn }
func (b *BasePlugin) Initialize(*Context) error        { return nil }
func (b *BasePlugin) Start() error                     { return nil }
func (b *BasePlugin) Stop() error                      { return nil }
func (b *BasePlugin) Pause() error                     { return nil }
func (b *BasePlugin) Resume() error                    { return nil }
