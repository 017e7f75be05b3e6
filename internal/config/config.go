package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// 持久化键名，宿主偏好命名空间内使用
const (
	KeyHubHost        = "DebugProbe.hubHost"
	KeyHubPort        = "DebugProbe.hubPort"
	KeyToken          = "DebugProbe.token"
	KeyEnabled        = "DebugProbe.isEnabled"
	KeyVerboseLogging = "DebugProbe.verboseLogging"
	// 插件开关键前缀，后接插件 ID
	KeyPluginEnabledPrefix = "DebugProbe.plugin."
)

const (
	DefaultHost       = "127.0.0.1"
	DefaultPort       = 9527
	DefaultBridgePath = "/debug-bridge"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Hub struct {
		Host  string `yaml:"host"`
		Port  int    `yaml:"port"`
		Token string `yaml:"token"`
		Path  string `yaml:"path"`
	} `yaml:"hub"`

	Bridge struct {
		BatchSize    int           `yaml:"batchSize"`
		FlushEvery   time.Duration `yaml:"flushEvery"`
		QueueLimit   int           `yaml:"queueLimit"`
		QueueDSN     string        `yaml:"queueDsn"`
		CommandGrace time.Duration `yaml:"commandGrace"`
	} `yaml:"bridge"`

	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level   string   `yaml:"level"`
		Writer  []string `yaml:"writer"`
		File    string   `yaml:"file"`
		Verbose bool     `yaml:"verbose"`
	} `yaml:"log"`

	Enabled bool `yaml:"enabled"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0", Enabled: true}
	c.Hub.Host = DefaultHost
	c.Hub.Port = DefaultPort
	c.Hub.Path = DefaultBridgePath
	c.Bridge.BatchSize = 20
	c.Bridge.FlushEvery = 200 * time.Millisecond
	c.Bridge.QueueLimit = 1000
	c.Bridge.QueueDSN = "debugprobe_queue.sqlite3"
	c.Bridge.CommandGrace = 30 * time.Second
	c.Sqlite.Dsn = "debugprobe.sqlite3"
	c.Sqlite.Prefix = "debugprobe_"
	c.Log.Level = "info"
	c.Log.Writer = []string{"console"}
	return c
}

// Load 从 yaml 文件读取配置，文件缺失时返回默认值
func Load(path string) (*Config, error) {
	c := NewConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return c, nil
}

// BridgeURL 拼出设备侧连接地址 ws://host:port/debug-bridge
func (c *Config) BridgeURL() string {
	path := c.Hub.Path
	if path == "" {
		path = DefaultBridgePath
	}
	return fmt.Sprintf("ws://%s:%d%s", c.Hub.Host, c.Hub.Port, path)
}

// HubEndpoint 解析结果
type HubEndpoint struct {
	Host  string
	Port  int
	Token string
}

// ParseHubURL 解析 debughub://host[:port]?token=tok 配置链接（如扫码所得）
func ParseHubURL(raw string) (HubEndpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return HubEndpoint{}, err
	}
	if u.Scheme != "debughub" {
		return HubEndpoint{}, fmt.Errorf("不支持的 scheme: %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return HubEndpoint{}, fmt.Errorf("缺少主机名: %q", raw)
	}
	ep := HubEndpoint{Host: u.Hostname(), Port: DefaultPort, Token: u.Query().Get("token")}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return HubEndpoint{}, fmt.Errorf("非法端口: %q", p)
		}
		ep.Port = n
	}
	return ep, nil
}
