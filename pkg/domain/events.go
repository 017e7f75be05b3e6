package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType 事件变体标签
type EventType string

const (
	EventHTTP        EventType = "http"
	EventLog         EventType = "log"
	EventWebSocket   EventType = "websocket"
	EventPageTiming  EventType = "page_timing"
	EventStats       EventType = "stats"
	EventPerformance EventType = "performance"
)

// DebugEvent 发往 Hub 的统一事件，恰好一个变体字段非空
type DebugEvent struct {
	EventID   string    `json:"eventId"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	HTTP        *HTTPEvent        `json:"http,omitempty"`
	Log         *LogEvent         `json:"log,omitempty"`
	WebSocket   *WSEvent          `json:"webSocket,omitempty"`
	PageTiming  *PageTimingEvent  `json:"pageTiming,omitempty"`
	Stats       *StatsEvent       `json:"stats,omitempty"`
	Performance *PerformanceEvent `json:"performance,omitempty"`
}

// NewEvent 生成带唯一 ID 与时间戳的事件壳
func NewEvent(t EventType) DebugEvent {
	return DebugEvent{
		EventID:   uuid.NewString(),
		Type:      t,
		Timestamp: time.Now(),
	}
}

// HTTPRequestInfo 捕获的请求快照
type HTTPRequestInfo struct {
	RequestID string            `json:"requestId"`
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body,omitempty"`
	StartTime time.Time         `json:"startTime"`
}

// HTTPResponseInfo 捕获的响应快照
type HTTPResponseInfo struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	DurationMS int64             `json:"durationMs"`
	Error      *NetworkError     `json:"error,omitempty"`
}

// HTTPEvent 一次请求/响应事务；重定向链通过 ParentID 挂接到父事务
type HTTPEvent struct {
	Request       HTTPRequestInfo   `json:"request"`
	Response      *HTTPResponseInfo `json:"response,omitempty"`
	ParentID      string            `json:"parentId,omitempty"`
	IsMocked      bool              `json:"isMocked,omitempty"`
	MatchedRuleID RuleID            `json:"matchedRuleId,omitempty"`
}

// LogEvent 捕获的宿主日志记录
type LogEvent struct {
	Level     LogLevel `json:"level"`
	Source    string   `json:"source,omitempty"`
	Subsystem string   `json:"subsystem,omitempty"`
	Category  string   `json:"category,omitempty"`
	Thread    string   `json:"thread,omitempty"`
	File      string   `json:"file,omitempty"`
	Function  string   `json:"function,omitempty"`
	Line      int      `json:"line,omitempty"`
	Message   string   `json:"message"`
	Tags      []string `json:"tags,omitempty"`
	TraceID   string   `json:"traceId,omitempty"`
}

// WSEventKind WebSocket 事件变体
type WSEventKind string

const (
	WSSessionCreated WSEventKind = "session_created"
	WSSessionClosed  WSEventKind = "session_closed"
	WSFrame          WSEventKind = "frame"
)

type WSDirection string

const (
	WSSend    WSDirection = "send"
	WSReceive WSDirection = "receive"
)

type WSOpcode string

const (
	WSOpText   WSOpcode = "text"
	WSOpBinary WSOpcode = "binary"
	WSOpPing   WSOpcode = "ping"
	WSOpPong   WSOpcode = "pong"
	WSOpClose  WSOpcode = "close"
)

// WSSessionInfo 会话元数据，URL 在创建时捕获
type WSSessionInfo struct {
	SessionID      WSSessionID `json:"sessionId"`
	URL            string      `json:"url"`
	CloseCode      int         `json:"closeCode,omitempty"`
	CloseReason    string      `json:"closeReason,omitempty"`
	DisconnectTime *time.Time  `json:"disconnectTime,omitempty"`
}

// WSEvent WebSocket 会话与帧事件
type WSEvent struct {
	Kind       WSEventKind    `json:"kind"`
	Session    *WSSessionInfo `json:"session,omitempty"`
	SessionID  WSSessionID    `json:"sessionId,omitempty"`
	URL        string         `json:"url,omitempty"`
	Direction  WSDirection    `json:"direction,omitempty"`
	Opcode     WSOpcode       `json:"opcode,omitempty"`
	Payload    []byte         `json:"payload,omitempty"`
	IsMocked   bool           `json:"isMocked,omitempty"`
	MockRuleID RuleID         `json:"mockRuleId,omitempty"`
}

// PageTimingEvent 页面访问计时，时长字段由时间戳派生
type PageTimingEvent struct {
	VisitID        VisitID    `json:"visitId"`
	PageID         string     `json:"pageId"`
	PageName       string     `json:"pageName"`
	Route          string     `json:"route,omitempty"`
	StartAt        time.Time  `json:"startAt"`
	FirstLayoutAt  *time.Time `json:"firstLayoutAt,omitempty"`
	AppearAt       *time.Time `json:"appearAt,omitempty"`
	EndAt          *time.Time `json:"endAt,omitempty"`
	Markers        []Marker   `json:"markers,omitempty"`
	IsColdStart    bool       `json:"isColdStart,omitempty"`
	IsPush         *bool      `json:"isPush,omitempty"`
	ParentPageID   string     `json:"parentPageId,omitempty"`
	LoadDurationMS *int64     `json:"loadDurationMs,omitempty"`
	AppearDurMS    *int64     `json:"appearDurationMs,omitempty"`
	TotalDurMS     *int64     `json:"totalDurationMs,omitempty"`
}

// StatsEvent 桥接与队列运行计数
type StatsEvent struct {
	QueueDepth   int64 `json:"queueDepth"`
	EventsSent   int64 `json:"eventsSent"`
	EventsAcked  int64 `json:"eventsAcked"`
	EventsDrop   int64 `json:"eventsDropped"`
	Reconnects   int64 `json:"reconnects"`
	SerializeErr int64 `json:"serializationFailures"`
}

// PerformanceEvent 宿主侧性能采样
type PerformanceEvent struct {
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
	Unit     string  `json:"unit,omitempty"`
	Category string  `json:"category,omitempty"`
}
