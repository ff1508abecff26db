package limiter

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// AccountLimiter 按账号自适应调节轮询间隔。
// 连续成功 → 逐步降回 MinDelay；碰到 429 → 翻倍直到 MaxDelay；
// 短时间内 429 过多则整体暂停一段时间（对应持续被限流的场景）。
type Options struct {
	MinDelay       time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	RecoveryFactor float64
	RecoveryAfter  int
	PauseThreshold int
	PauseWindow    time.Duration
	PauseDuration  time.Duration
}

func DefaultOptions() Options {
	return Options{
		MinDelay:       50 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		BackoffFactor:  2.0,
		RecoveryFactor: 0.85,
		RecoveryAfter:  5,
		PauseThreshold: 5,
		PauseWindow:    time.Minute,
		PauseDuration:  2 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinDelay <= 0 {
		o.MinDelay = d.MinDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.BackoffFactor <= 1 {
		o.BackoffFactor = d.BackoffFactor
	}
	if o.RecoveryFactor <= 0 || o.RecoveryFactor >= 1 {
		o.RecoveryFactor = d.RecoveryFactor
	}
	if o.RecoveryAfter <= 0 {
		o.RecoveryAfter = d.RecoveryAfter
	}
	if o.PauseThreshold <= 0 {
		o.PauseThreshold = d.PauseThreshold
	}
	if o.PauseWindow <= 0 {
		o.PauseWindow = d.PauseWindow
	}
	if o.PauseDuration <= 0 {
		o.PauseDuration = d.PauseDuration
	}
	return o
}

type AccountLimiter struct {
	Key string

	mu           sync.Mutex
	opts         Options
	baseDelay    time.Duration
	currentDelay time.Duration
	consecutive  int
	hist429      []time.Time
	pausedUntil  time.Time
	totalHits    int64
	totalSuccess int64

	now func() time.Time
}

type Snapshot struct {
	Key          string        `json:"key"`
	BaseDelay    time.Duration `json:"baseDelayMs"`
	CurrentDelay time.Duration `json:"currentDelayMs"`
	Paused       bool          `json:"paused"`
	PausedFor    time.Duration `json:"pausedForMs,omitempty"`
	TotalHits    int64         `json:"totalHits"`
	TotalSuccess int64         `json:"totalSuccess"`
	HealthScore  int           `json:"healthScore"`
}

func New(key string, baseDelay time.Duration, opts Options) *AccountLimiter {
	opts = opts.withDefaults()
	if baseDelay <= 0 {
		baseDelay = opts.MinDelay
	}
	if baseDelay < opts.MinDelay {
		baseDelay = opts.MinDelay
	}
	if baseDelay > opts.MaxDelay {
		baseDelay = opts.MaxDelay
	}
	return &AccountLimiter{
		Key:          key,
		opts:         opts,
		baseDelay:    baseDelay,
		currentDelay: baseDelay,
		now:          time.Now,
	}
}

func (l *AccountLimiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totalSuccess++
	l.consecutive++
	if l.consecutive >= l.opts.RecoveryAfter {
		next := time.Duration(math.Round(float64(l.currentDelay) * l.opts.RecoveryFactor))
		if next < l.opts.MinDelay {
			next = l.opts.MinDelay
		}
		l.currentDelay = next
		l.consecutive = 0
	}
}

func (l *AccountLimiter) On429() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.totalHits++
	l.consecutive = 0

	l.hist429 = append(l.hist429, now)
	kept := l.hist429[:0]
	for _, t := range l.hist429 {
		if now.Sub(t) < l.opts.PauseWindow {
			kept = append(kept, t)
		}
	}
	l.hist429 = kept

	next := time.Duration(math.Round(float64(l.currentDelay) * l.opts.BackoffFactor))
	if next > l.opts.MaxDelay {
		next = l.opts.MaxDelay
	}
	l.currentDelay = next

	if len(l.hist429) >= l.opts.PauseThreshold {
		l.pausedUntil = now.Add(l.opts.PauseDuration)
		l.hist429 = nil
	}
}

// Delay 返回当前间隔加一点随机抖动（避免多账号节奏同步）。
func (l *AccountLimiter) Delay(jitter time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := l.currentDelay
	if jitter > 0 {
		d += time.Duration(rand.Int63n(int64(jitter)))
	}
	return d
}

func (l *AccountLimiter) IsPaused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Before(l.pausedUntil)
}

func (l *AccountLimiter) PauseRemaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	rem := l.pausedUntil.Sub(l.now())
	if rem < 0 {
		return 0
	}
	return rem
}

// HealthScore 暂停中恒为 0，否则按当前间隔离 MaxDelay 的距离换算成 0-100。
func (l *AccountLimiter) HealthScore() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.now().Before(l.pausedUntil) {
		return 0
	}
	score := math.Round((1 - float64(l.currentDelay)/float64(l.opts.MaxDelay)) * 100)
	if score < 0 {
		score = 0
	}
	return int(score)
}

// SetBaseDelay 热更新基准间隔（来自 retryNormal 覆盖），当前间隔收敛到不超过 4 倍新基准。
func (l *AccountLimiter) SetBaseDelay(base time.Duration) {
	if base <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.baseDelay = base
	cap := base * 4
	if l.currentDelay > cap {
		l.currentDelay = cap
	}
	if l.currentDelay < l.opts.MinDelay {
		l.currentDelay = l.opts.MinDelay
	}
}

func (l *AccountLimiter) Snapshot() Snapshot {
	paused := l.IsPaused()
	rem := l.PauseRemaining()
	score := l.HealthScore()
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Key:          l.Key,
		BaseDelay:    l.baseDelay,
		CurrentDelay: l.currentDelay,
		Paused:       paused,
		PausedFor:    rem,
		TotalHits:    l.totalHits,
		TotalSuccess: l.totalSuccess,
		HealthScore:  score,
	}
}

// Registry 按 key 惰性创建并缓存 AccountLimiter，进程期内不回收。
type Registry struct {
	mu   sync.Mutex
	m    map[string]*AccountLimiter
	opts Options
}

func NewRegistry(opts Options) *Registry {
	return &Registry{m: make(map[string]*AccountLimiter), opts: opts}
}

func (r *Registry) Get(key string, baseDelay time.Duration) *AccountLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.m[key]; ok {
		return l
	}
	l := New(key, baseDelay, r.opts)
	r.m[key] = l
	return l
}

func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	limiters := make([]*AccountLimiter, 0, len(r.m))
	for _, l := range r.m {
		limiters = append(limiters, l)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(limiters))
	for _, l := range limiters {
		out = append(out, l.Snapshot())
	}
	return out
}
