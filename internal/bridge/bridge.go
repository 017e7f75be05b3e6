package bridge

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"debugprobe/internal/logger"
	"debugprobe/pkg/domain"
)

// State 连接状态机
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateRegistered   State = "registered"
	StateFailed       State = "failed"
)

const (
	backoffInitial   = time.Second
	backoffMax       = 30 * time.Second
	handshakeTimeout = 10 * time.Second
	registerTimeout  = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Options 桥接装配参数
type Options struct {
	URL        string
	Token      string
	SDKVersion string
	Device     domain.DeviceInfo
	// Plugins 注册握手时上报的插件清单（按启动序）
	Plugins func() []domain.PluginInfo

	BatchSize    int
	FlushEvery   time.Duration
	CommandGrace time.Duration

	Queue  *Queue
	Logger logger.Logger
	Dialer *websocket.Dialer
}

// Stats 桥接运行计数
type Stats struct {
	State        State
	QueueDepth   int64
	EventsSent   int64
	EventsAcked  int64
	EventsDrop   int64
	Reconnects   int64
	SerializeErr int64
}

// Bridge 设备与 Hub 之间唯一的长连双工通道。
// 单个 worker 驱动连接、注册与读循环；发送经队列批量冲刷。
type Bridge struct {
	opts Options
	log  logger.Logger
	// appSessionID 每个进程生命周期一个，Hub 借此区分重连与应用重启
	appSessionID string

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	url     string
	token   string
	started bool

	writeMu sync.Mutex

	onCommand     func(domain.PluginCommand) domain.PluginCommandResponse
	onResume      func(BreakpointResumePayload)
	onDisconnect  func()
	onStateChange func(State)

	stopCh      chan struct{}
	reconnectCh chan struct{}
	wg          sync.WaitGroup

	sent       atomic.Int64
	acked      atomic.Int64
	reconnects atomic.Int64
}

// New 创建桥接
func New(opts Options) *Bridge {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = 200 * time.Millisecond
	}
	if opts.CommandGrace <= 0 {
		opts.CommandGrace = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}
	return &Bridge{
		opts:         opts,
		log:          l,
		appSessionID: uuid.NewString(),
		state:        StateDisconnected,
		url:          opts.URL,
		token:        opts.Token,
		reconnectCh:  make(chan struct{}, 1),
	}
}

// SetCommandHandler 指令路由入口（内核的 RouteCommand）
func (b *Bridge) SetCommandHandler(fn func(domain.PluginCommand) domain.PluginCommandResponse) {
	b.onCommand = fn
}

// SetResumeHandler resume_breakpoint 处理入口
func (b *Bridge) SetResumeHandler(fn func(BreakpointResumePayload)) {
	b.onResume = fn
}

// SetDisconnectHandler 连接断开回调（用于中止所有断点等待器）
func (b *Bridge) SetDisconnectHandler(fn func()) {
	b.onDisconnect = fn
}

// SetStateListener 状态机迁移回调
func (b *Bridge) SetStateListener(fn func(State)) {
	b.onStateChange = fn
}

// Start 启动连接 worker
func (b *Bridge) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.stopCh = make(chan struct{})
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run()
}

// Stop 停止并断开，任何状态都收敛到 Disconnected
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	close(b.stopCh)
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.setState(StateDisconnected)
}

// Reconnect 立即重连（配置变更后由宿主触发）
func (b *Bridge) Reconnect(url, token string) {
	b.mu.Lock()
	if url != "" {
		b.url = url
	}
	if token != "" {
		b.token = token
	}
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	select {
	case b.reconnectCh <- struct{}{}:
	default:
	}
}

// Publish 事件入队，等待批量冲刷
func (b *Bridge) Publish(ev domain.DebugEvent) {
	b.opts.Queue.Enqueue(ev)
}

// SendBreakpointHit 断点命中为控制帧，绕过队列直发
func (b *Bridge) SendBreakpointHit(p BreakpointHitPayload) {
	frame, err := NewFrame(FrameBreakpointHit, p)
	if err != nil {
		b.log.Warn("断点命中帧编码失败", "error", err)
		return
	}
	b.send(frame)
}

// SendPluginState 上报插件状态变更
func (b *Bridge) SendPluginState(id domain.PluginID, state domain.PluginState) {
	frame, err := NewFrame(FramePluginStateChanged, PluginStateChangedPayload{PluginID: id, State: state})
	if err != nil {
		return
	}
	b.send(frame)
}

// SendCommandResponse 回发指令应答（长耗时指令的异步回包也走这里）
func (b *Bridge) SendCommandResponse(resp domain.PluginCommandResponse) {
	frame, err := NewFrame(FramePluginCommandResponse, resp)
	if err != nil {
		b.log.Warn("指令应答编码失败", "commandId", resp.CommandID, "error", err)
		return
	}
	b.send(frame)
}

// State 当前状态
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// AppSessionID 本进程会话标识
func (b *Bridge) AppSessionID() string { return b.appSessionID }

// Stats 运行计数快照
func (b *Bridge) Stats() Stats {
	return Stats{
		State:        b.State(),
		QueueDepth:   b.opts.Queue.Depth(),
		EventsSent:   b.sent.Load(),
		EventsAcked:  b.acked.Load(),
		EventsDrop:   b.opts.Queue.Dropped(),
		Reconnects:   b.reconnects.Load(),
		SerializeErr: b.opts.Queue.SerializationFailures(),
	}
}

// run 连接主循环：Connecting → Connected → Registered → 读循环，
// 断开后指数退避（1s 起倍增，30s 封顶，带抖动）重连。
func (b *Bridge) run() {
	defer b.wg.Done()
	backoff := backoffInitial

	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		b.setState(StateConnecting)
		conn, _, err := b.opts.Dialer.Dial(b.currentURL(), nil)
		if err != nil {
			b.log.Warn("连接 Hub 失败", "url", b.currentURL(), "error", err)
			b.setState(StateFailed)
			if !b.sleepBackoff(&backoff) {
				return
			}
			continue
		}

		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()
		b.setState(StateConnected)

		if err := b.register(conn); err != nil {
			b.log.Warn("注册失败", "error", err)
			_ = conn.Close()
			b.clearConn()
			b.setState(StateFailed)
			if _, rejected := err.(registerRejectedError); rejected {
				// 注册被拒不自动重试，等待宿主重新配置
				if !b.waitReconnect() {
					return
				}
				backoff = backoffInitial
				continue
			}
			if !b.sleepBackoff(&backoff) {
				return
			}
			continue
		}

		b.setState(StateRegistered)
		backoff = backoffInitial
		if err := b.opts.Queue.ReleaseLeases(); err != nil {
			b.log.Warn("释放在途批次失败", "error", err)
		}

		flushDone := make(chan struct{})
		b.wg.Add(1)
		go b.flushLoop(flushDone)

		b.readLoop(conn)

		close(flushDone)
		_ = conn.Close()
		b.clearConn()
		if b.onDisconnect != nil {
			b.onDisconnect()
		}
		if err := b.opts.Queue.ReleaseLeases(); err != nil {
			b.log.Warn("释放在途批次失败", "error", err)
		}
		b.setState(StateDisconnected)

		select {
		case <-b.stopCh:
			return
		default:
			b.reconnects.Add(1)
			if !b.sleepBackoff(&backoff) {
				return
			}
		}
	}
}

type registerRejectedError struct{ reason string }

func (e registerRejectedError) Error() string { return "注册被拒: " + e.reason }

// register 发送 register_device 并等待 ack/reject
func (b *Bridge) register(conn *websocket.Conn) error {
	var plugins []domain.PluginInfo
	if b.opts.Plugins != nil {
		plugins = b.opts.Plugins()
	}
	b.mu.Lock()
	token := b.token
	b.mu.Unlock()

	frame, err := NewFrame(FrameRegisterDevice, RegisterDevicePayload{
		Device:       b.opts.Device,
		Token:        token,
		AppSessionID: b.appSessionID,
		SDKVersion:   b.opts.SDKVersion,
		Plugins:      plugins,
	})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(registerTimeout))
	var reply Frame
	if err := conn.ReadJSON(&reply); err != nil {
		return err
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch reply.Type {
	case FrameRegisterAck:
		return nil
	case FrameRegisterReject:
		var p RegisterReplyPayload
		_ = reply.Decode(&p)
		return registerRejectedError{reason: p.Reason}
	default:
		return registerRejectedError{reason: "unexpected frame " + string(reply.Type)}
	}
}

// readLoop 入站帧分发，连接错误时返回
func (b *Bridge) readLoop(conn *websocket.Conn) {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			b.log.Debug("连接读取结束", "error", err)
			return
		}
		b.handleFrame(frame)
	}
}

func (b *Bridge) handleFrame(frame Frame) {
	switch frame.Type {
	case FrameEventsAck:
		var p EventsAckPayload
		if err := frame.Decode(&p); err != nil {
			return
		}
		if err := b.opts.Queue.Ack(p.BatchID); err != nil {
			b.log.Warn("批次确认处理失败", "batchId", p.BatchID, "error", err)
			return
		}
		b.acked.Add(1)
	case FramePluginCommand:
		var cmd domain.PluginCommand
		if err := frame.Decode(&cmd); err != nil {
			b.log.Warn("指令帧解码失败", "error", err)
			return
		}
		go b.dispatchCommand(cmd)
	case FrameResumeBreakpoint:
		var p BreakpointResumePayload
		if err := frame.Decode(&p); err != nil {
			return
		}
		if b.onResume != nil {
			b.onResume(p)
		}
	default:
		b.log.Debug("忽略未知帧", "type", frame.Type)
	}
}

// dispatchCommand 路由指令并回发应答。
// 每条指令隐含响应期限，超时则代插件合成失败应答，保证 Hub 侧相关性表可回收。
func (b *Bridge) dispatchCommand(cmd domain.PluginCommand) {
	if b.onCommand == nil {
		b.SendCommandResponse(domain.FailResponse(cmd, "InternalError", "no command router"))
		return
	}
	done := make(chan domain.PluginCommandResponse, 1)
	go func() {
		done <- b.onCommand(cmd)
	}()
	select {
	case resp := <-done:
		resp.CommandID = cmd.CommandID
		b.SendCommandResponse(resp)
	case <-time.After(b.opts.CommandGrace):
		b.log.Warn("指令处理超时", "plugin", cmd.PluginID, "command", cmd.CommandType, "commandId", cmd.CommandID)
		b.SendCommandResponse(domain.FailResponse(cmd, "Timeout", "command deadline exceeded"))
	}
}

// flushLoop 批量冲刷：凑满 BatchSize 立即发，否则按 FlushEvery 定时发
func (b *Bridge) flushLoop(done <-chan struct{}) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-b.stopCh:
			return
		case <-b.opts.Queue.Notify():
			if b.opts.Queue.Depth() >= int64(b.opts.BatchSize) {
				b.flushBatch()
			}
		case <-ticker.C:
			b.flushBatch()
		}
	}
}

func (b *Bridge) flushBatch() {
	if b.State() != StateRegistered {
		return
	}
	batchID := uuid.NewString()
	events, err := b.opts.Queue.Lease(batchID, b.opts.BatchSize)
	if err != nil {
		b.log.Warn("批次租用失败", "error", err)
		return
	}
	if len(events) == 0 {
		return
	}
	frame, err := NewFrame(FrameEventsBatch, EventsBatchPayload{BatchID: batchID, Events: events})
	if err != nil {
		b.log.Warn("批次编码失败", "error", err)
		return
	}
	if b.send(frame) {
		b.sent.Add(int64(len(events)))
	}
}

// send 序列化写，gorilla 连接要求单写者
func (b *Bridge) send(frame Frame) bool {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return false
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		b.log.Debug("帧发送失败", "type", frame.Type, "error", err)
		return false
	}
	return true
}

func (b *Bridge) currentURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.url
}

func (b *Bridge) clearConn() {
	b.mu.Lock()
	b.conn = nil
	b.mu.Unlock()
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	changed := b.state != s
	b.state = s
	fn := b.onStateChange
	b.mu.Unlock()
	if changed && fn != nil {
		fn(s)
	}
}

// sleepBackoff 退避等待，返回 false 表示收到停止信号
func (b *Bridge) sleepBackoff(backoff *time.Duration) bool {
	d := *backoff
	// 抖动：在 [d/2, d) 内取值，避免多设备齐步重连
	jittered := d/2 + time.Duration(rand.Int63n(int64(d/2)))
	*backoff = d * 2
	if *backoff > backoffMax {
		*backoff = backoffMax
	}
	select {
	case <-time.After(jittered):
		return true
	case <-b.reconnectCh:
		return true
	case <-b.stopCh:
		return false
	}
}

// waitReconnect 注册被拒后挂起，直到宿主重新配置或停止
func (b *Bridge) waitReconnect() bool {
	select {
	case <-b.reconnectCh:
		return true
	case <-b.stopCh:
		return false
	}
}
