package bridge

import (
	"encoding/json"
	"sync/atomic"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"debugprobe/internal/logger"
	"debugprobe/internal/settings"
	"debugprobe/pkg/domain"
)

// QueuedEvent 待发事件表行，按自增 ID 保序
type QueuedEvent struct {
	ID      uint64  `gorm:"primaryKey;autoIncrement"`
	Payload []byte  `gorm:"not null"`
	BatchID *string `gorm:"index"`
}

// TableName 表名
func (QueuedEvent) TableName() string { return "debugprobe_outbound" }

// Queue 有界持久化 FIFO。事件按发出顺序入队；批量发送读最旧 N 条，
// ack 后删除；断线时在途批次保留重投；溢出时丢最旧并计数。
type Queue struct {
	db    *gorm.DB
	limit int
	log   logger.Logger

	dropped      atomic.Int64
	serializeErr atomic.Int64
	notify       chan struct{}
}

// OpenQueue 打开（必要时建表）事件队列
func OpenQueue(dsn string, limit int, l logger.Logger) (*Queue, error) {
	if l == nil {
		l = logger.NewNop()
	}
	if limit <= 0 {
		limit = 1000
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: settings.DBLogger(l),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&QueuedEvent{}); err != nil {
		return nil, err
	}
	return &Queue{db: db, limit: limit, log: l, notify: make(chan struct{}, 1)}, nil
}

// Enqueue 事件入队。序列化失败丢弃并计数，不向上抛。
func (q *Queue) Enqueue(ev domain.DebugEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		q.serializeErr.Add(1)
		q.log.Warn("事件序列化失败，丢弃", "eventId", ev.EventID, "error", err)
		return
	}
	err = q.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&QueuedEvent{Payload: data}).Error; err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&QueuedEvent{}).Count(&count).Error; err != nil {
			return err
		}
		if over := count - int64(q.limit); over > 0 {
			// 满则丢最旧
			if err := tx.Exec(
				"DELETE FROM debugprobe_outbound WHERE id IN (SELECT id FROM debugprobe_outbound ORDER BY id ASC LIMIT ?)",
				over,
			).Error; err != nil {
				return err
			}
			q.dropped.Add(over)
		}
		return nil
	})
	if err != nil {
		q.log.Warn("事件入队失败", "error", err)
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Notify 有新事件可发时触发的信号通道
func (q *Queue) Notify() <-chan struct{} { return q.notify }

// Lease 以 batchID 租出最旧的未在途 N 条，保持入队顺序
func (q *Queue) Lease(batchID string, n int) ([]domain.DebugEvent, error) {
	var rows []QueuedEvent
	err := q.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("batch_id IS NULL").Order("id ASC").Limit(n).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]uint64, len(rows))
		for i := range rows {
			ids[i] = rows[i].ID
		}
		return tx.Model(&QueuedEvent{}).Where("id IN ?", ids).Update("batch_id", batchID).Error
	})
	if err != nil {
		return nil, err
	}
	events := make([]domain.DebugEvent, 0, len(rows))
	for i := range rows {
		var ev domain.DebugEvent
		if err := json.Unmarshal(rows[i].Payload, &ev); err != nil {
			q.serializeErr.Add(1)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Ack 删除 Hub 已确认的批次
func (q *Queue) Ack(batchID string) error {
	return q.db.Delete(&QueuedEvent{}, "batch_id = ?", batchID).Error
}

// ReleaseLeases 释放所有在途批次，重连后重投（至少一次语义）
func (q *Queue) ReleaseLeases() error {
	return q.db.Model(&QueuedEvent{}).Where("batch_id IS NOT NULL").Update("batch_id", nil).Error
}

// Depth 当前积压量
func (q *Queue) Depth() int64 {
	var count int64
	q.db.Model(&QueuedEvent{}).Count(&count)
	return count
}

// Pending 是否存在可租事件
func (q *Queue) Pending() bool {
	var count int64
	q.db.Model(&QueuedEvent{}).Where("batch_id IS NULL").Count(&count)
	return count > 0
}

// Dropped 溢出丢弃计数
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// SerializationFailures 序列化失败计数
func (q *Queue) SerializationFailures() int64 { return q.serializeErr.Load() }
