package health

import (
	"math"
	"sync"
	"time"
)

// 事件类型与打分权重见 score()：429 扣 4 分，restart 扣 10 分，buy 加 2 分。
type EventType string

const (
	EventStart   EventType = "start"
	Event429     EventType = "429"
	EventRestart EventType = "restart"
	EventBuy     EventType = "buy"
	EventStop    EventType = "stop"
)

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

const windowSize = 10 * time.Minute

type event struct {
	at  time.Time
	typ EventType
}

// AccountHealth 滚动 10 分钟窗口内的账号事件记录，每次写入都顺手清掉过期事件。
// 事件量很小，O(窗口长度) 的过滤足够。
type AccountHealth struct {
	Key string

	mu      sync.Mutex
	events  []event
	startAt time.Time
	window  time.Duration

	now func() time.Time
}

type Status struct {
	Key    string        `json:"key"`
	Score  int           `json:"score"`
	Trend  Trend         `json:"trend"`
	Uptime time.Duration `json:"uptimeMs"`
}

func New(key string) *AccountHealth {
	return &AccountHealth{Key: key, window: windowSize, now: time.Now}
}

func (h *AccountHealth) Record(typ EventType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	h.events = append(h.events, event{at: now, typ: typ})
	h.pruneLocked(now)
	if typ == EventStart {
		h.startAt = now
	}
}

func (h *AccountHealth) pruneLocked(now time.Time) {
	cutoff := now.Add(-h.window)
	kept := h.events[:0]
	for _, e := range h.events {
		if !e.at.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	h.events = kept
}

// Score 每次从窗口内事件重算，0-100。
func (h *AccountHealth) Score() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	h.pruneLocked(now)

	var hits, restarts, buys int
	for _, e := range h.events {
		switch e.typ {
		case Event429:
			hits++
		case EventRestart:
			restarts++
		case EventBuy:
			buys++
		}
	}
	score := 100 - hits*4 - restarts*10
	if score < 0 {
		score = 0
	}
	score += buys * 2
	if score > 100 {
		score = 100
	}
	return int(math.Round(float64(score)))
}

// Trend 比较窗口前后两半的坏事件数（429 + restart），±1 容差避免单个事件来回抖。
func (h *AccountHealth) Trend() Trend {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	h.pruneLocked(now)
	half := h.window / 2

	var badOld, badNew int
	for _, e := range h.events {
		if e.typ != Event429 && e.typ != EventRestart {
			continue
		}
		if now.Sub(e.at) > half {
			badOld++
		} else {
			badNew++
		}
	}
	switch {
	case badNew < badOld-1:
		return TrendImproving
	case badNew > badOld+1:
		return TrendDegrading
	default:
		return TrendStable
	}
}

func (h *AccountHealth) Status() Status {
	score := h.Score()
	trend := h.Trend()
	h.mu.Lock()
	defer h.mu.Unlock()
	var uptime time.Duration
	if !h.startAt.IsZero() {
		uptime = h.now().Sub(h.startAt)
	}
	return Status{Key: h.Key, Score: score, Trend: trend, Uptime: uptime}
}

// Registry 按 key get-or-create，供所有 engine 共享。
type Registry struct {
	mu sync.Mutex
	m  map[string]*AccountHealth
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]*AccountHealth)}
}

func (r *Registry) Get(key string) *AccountHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.m[key]; ok {
		return h
	}
	h := New(key)
	r.m[key] = h
	return h
}

func (r *Registry) Record(key string, typ EventType) {
	r.Get(key).Record(typ)
}

func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	all := make([]*AccountHealth, 0, len(r.m))
	for _, h := range r.m {
		all = append(all, h)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(all))
	for _, h := range all {
		out = append(out, h.Status())
	}
	return out
}
