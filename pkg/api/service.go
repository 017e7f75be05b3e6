package api

import (
	"debugprobe/internal/agent"
	"debugprobe/internal/config"
	"debugprobe/internal/inspector"
	"debugprobe/internal/logger"
	"debugprobe/pkg/domain"
)

// Service 宿主应用可见的探针接口
type Service interface {
	// Start 启动探针
	Start() error

	// Stop 停止探针
	Stop()

	// ConfigureHub 应用 debughub:// 配置链接并重连
	ConfigureHub(rawURL string) error

	// SetPluginEnabled 请求级插件开关
	SetPluginEnabled(id domain.PluginID, enabled bool) error

	// RegisterDatabase 注册可巡检数据库
	RegisterDatabase(d inspector.Descriptor, key inspector.KeyProvider)

	// PluginInfos 插件状态快照
	PluginInfos() []domain.PluginInfo

	// Capture 捕获桩入口集合
	Capture() *agent.Agent
}

type service struct {
	a *agent.Agent
}

// NewService 按配置装配并返回服务接口实现
func NewService(cfg *config.Config, device domain.DeviceInfo, l logger.Logger) (Service, error) {
	a, err := agent.New(agent.Options{Config: cfg, Device: device, Logger: l})
	if err != nil {
		return nil, err
	}
	return &service{a: a}, nil
}

func (s *service) Start() error { return s.a.Start() }
func (s *service) Stop()        { s.a.Stop() }

func (s *service) ConfigureHub(rawURL string) error { return s.a.ConfigureHub(rawURL) }

func (s *service) SetPluginEnabled(id domain.PluginID, enabled bool) error {
	return s.a.SetPluginEnabled(id, enabled)
}

func (s *service) RegisterDatabase(d inspector.Descriptor, key inspector.KeyProvider) {
	s.a.RegisterDatabase(d, key)
}

func (s *service) PluginInfos() []domain.PluginInfo { return s.a.PluginInfos() }

func (s *service) Capture() *agent.Agent { return s.a }
