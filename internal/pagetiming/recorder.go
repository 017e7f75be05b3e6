package pagetiming

import (
	"sync"
	"time"

	"debugprobe/internal/logger"
	"debugprobe/pkg/domain"
)

// visit 单次页面呈现的内部状态
type visit struct {
	pageID       string
	pageName     string
	route        string
	startAt      time.Time
	firstLayout  *time.Time
	appearAt     *time.Time
	markers      []domain.Marker
	isColdStart  bool
	isPush       *bool
	parentPageID string
}

// Emit 结束的访问以事件形式外发
type Emit func(domain.PageTimingEvent)

// Recorder 页面访问状态机。mark_page_start 建档，mark_page_end 出事件并
// 丢弃状态；时间线严格向前，end 之后的打点全部忽略。
type Recorder struct {
	mu     sync.Mutex
	visits map[domain.VisitID]*visit
	emit   Emit
	log    logger.Logger
	now    func() time.Time
}

// New 创建记录器
func New(emit Emit, l logger.Logger) *Recorder {
	if l == nil {
		l = logger.NewNop()
	}
	return &Recorder{
		visits: make(map[domain.VisitID]*visit),
		emit:   emit,
		log:    l,
		now:    time.Now,
	}
}

// StartOptions mark_page_start 的附加信息
type StartOptions struct {
	Route        string
	IsColdStart  bool
	IsPush       *bool
	ParentPageID string
}

// MarkPageStart 开始一次访问
func (r *Recorder) MarkPageStart(id domain.VisitID, pageID, pageName string, opts StartOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.visits[id]; exists {
		r.log.Warn("访问已存在，忽略重复 start", "visitId", id)
		return
	}
	r.visits[id] = &visit{
		pageID:       pageID,
		pageName:     pageName,
		route:        opts.Route,
		startAt:      r.now(),
		isColdStart:  opts.IsColdStart,
		isPush:       opts.IsPush,
		parentPageID: opts.ParentPageID,
	}
}

// MarkPageFirstLayout 首帧布局完成
func (r *Recorder) MarkPageFirstLayout(id domain.VisitID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.visits[id]
	if !ok || v.firstLayout != nil {
		return
	}
	t := r.now()
	v.firstLayout = &t
}

// MarkPageAppear 页面可见
func (r *Recorder) MarkPageAppear(id domain.VisitID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.visits[id]
	if !ok || v.appearAt != nil {
		return
	}
	t := r.now()
	v.appearAt = &t
}

// AddMarker 自定义打点
func (r *Recorder) AddMarker(id domain.VisitID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.visits[id]
	if !ok {
		return
	}
	v.markers = append(v.markers, domain.Marker{Name: name, At: r.now()})
}

// MarkPageEnd 结束访问：派生时长、出事件、丢弃状态。
// 缺失的时间戳对应的时长字段保持为空。
func (r *Recorder) MarkPageEnd(id domain.VisitID) {
	r.mu.Lock()
	v, ok := r.visits[id]
	if ok {
		delete(r.visits, id)
	}
	emit := r.emit
	now := r.now()
	r.mu.Unlock()
	if !ok {
		return
	}

	ev := domain.PageTimingEvent{
		VisitID:      id,
		PageID:       v.pageID,
		PageName:     v.pageName,
		Route:        v.route,
		StartAt:      v.startAt,
		FirstLayoutAt: v.firstLayout,
		AppearAt:     v.appearAt,
		EndAt:        &now,
		Markers:      v.markers,
		IsColdStart:  v.isColdStart,
		IsPush:       v.isPush,
		ParentPageID: v.parentPageID,
	}
	if v.firstLayout != nil {
		d := v.firstLayout.Sub(v.startAt).Milliseconds()
		ev.LoadDurationMS = &d
	}
	if v.appearAt != nil {
		d := v.appearAt.Sub(v.startAt).Milliseconds()
		ev.AppearDurMS = &d
	}
	total := now.Sub(v.startAt).Milliseconds()
	ev.TotalDurMS = &total

	if emit != nil {
		emit(ev)
	}
}

// Active 当前未结束的访问数
func (r *Recorder) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.visits)
}
