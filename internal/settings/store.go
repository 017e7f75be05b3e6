package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"debugprobe/internal/config"
	"debugprobe/internal/logger"
	"debugprobe/pkg/domain"
)

// Entry KV 表行，值为 JSON 编码
type Entry struct {
	Key   string `gorm:"primaryKey;size:128"`
	Value []byte
}

// TableName 带前缀的表名
func (Entry) TableName() string { return "debugprobe_settings" }

// Store 宿主偏好命名空间的持久化 KV 存储
type Store struct {
	db  *gorm.DB
	log logger.Logger
}

// Open 打开（必要时建表）设置库
func Open(dsn string, l logger.Logger) (*Store, error) {
	if l == nil {
		l = logger.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: DBLogger(l),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	return &Store{db: db, log: l}, nil
}

// Set 写入任意可 JSON 编码的值
func (s *Store) Set(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.db.Save(&Entry{Key: key, Value: data}).Error
}

// Get 读取并解码，键不存在返回 (false, nil)
func (s *Store) Get(key string, out any) (bool, error) {
	var e Entry
	err := s.db.First(&e, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(e.Value, out)
}

// GetString 便捷字符串读取，缺失时返回 fallback
func (s *Store) GetString(key, fallback string) string {
	var v string
	if ok, err := s.Get(key, &v); err == nil && ok {
		return v
	}
	return fallback
}

// GetInt 便捷整数读取
func (s *Store) GetInt(key string, fallback int) int {
	var v int
	if ok, err := s.Get(key, &v); err == nil && ok {
		return v
	}
	return fallback
}

// GetBool 便捷布尔读取
func (s *Store) GetBool(key string, fallback bool) bool {
	var v bool
	if ok, err := s.Get(key, &v); err == nil && ok {
		return v
	}
	return fallback
}

// Delete 删除键
func (s *Store) Delete(key string) error {
	return s.db.Delete(&Entry{}, "key = ?", key).Error
}

// PluginEnabled 读取插件开关，默认开启
func (s *Store) PluginEnabled(id domain.PluginID) bool {
	return s.GetBool(config.KeyPluginEnabledPrefix+string(id), true)
}

// SetPluginEnabled 持久化插件开关
func (s *Store) SetPluginEnabled(id domain.PluginID, enabled bool) error {
	return s.Set(config.KeyPluginEnabledPrefix+string(id), enabled)
}

// ApplyHub 持久化 debughub:// 解析出的连接参数
func (s *Store) ApplyHub(ep config.HubEndpoint) error {
	if err := s.Set(config.KeyHubHost, ep.Host); err != nil {
		return err
	}
	if err := s.Set(config.KeyHubPort, ep.Port); err != nil {
		return err
	}
	return s.Set(config.KeyToken, ep.Token)
}

// Resolve 叠加持久化值到配置上（运行时 > 配置文件默认）
func (s *Store) Resolve(c *config.Config) {
	c.Hub.Host = s.GetString(config.KeyHubHost, c.Hub.Host)
	c.Hub.Port = s.GetInt(config.KeyHubPort, c.Hub.Port)
	c.Hub.Token = s.GetString(config.KeyToken, c.Hub.Token)
	c.Enabled = s.GetBool(config.KeyEnabled, c.Enabled)
	c.Log.Verbose = s.GetBool(config.KeyVerboseLogging, c.Log.Verbose)
}

// 设置库与事件队列都是探针私有的小 KV/FIFO 表，单条语句超过这个
// 阈值说明宿主磁盘出了问题，值得出声
const slowStatement = 200 * time.Millisecond

// dbLogger 把 gorm 的内部日志并入探针日志。键未命中经 First 走
// ErrRecordNotFound，是 Get 的正常路径，不能当错误刷屏。
type dbLogger struct {
	log   logger.Logger
	level gormlogger.LogLevel
}

// DBLogger 设置库与事件队列共用的 gorm 日志适配
func DBLogger(l logger.Logger) gormlogger.Interface {
	if l == nil {
		l = logger.NewNop()
	}
	return dbLogger{log: l, level: gormlogger.Warn}
}

func (d dbLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	d.level = level
	return d
}

func (d dbLogger) Info(_ context.Context, msg string, args ...any) {
	if d.level >= gormlogger.Info {
		d.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (d dbLogger) Warn(_ context.Context, msg string, args ...any) {
	if d.level >= gormlogger.Warn {
		d.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (d dbLogger) Error(_ context.Context, msg string, args ...any) {
	if d.level >= gormlogger.Error {
		d.log.Error(fmt.Sprintf(msg, args...))
	}
}

func (d dbLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if d.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, _ := fc()
		d.log.Warn("探针存储语句失败", "sql", sql, "error", err)
	case elapsed > slowStatement:
		sql, rows := fc()
		d.log.Warn("探针存储语句偏慢", "sql", sql, "rows", rows, "costMs", elapsed.Milliseconds())
	}
}
