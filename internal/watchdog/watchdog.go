package watchdog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"autobuy/internal/health"
	"autobuy/internal/logbus"
	"autobuy/internal/retry"
)

const (
	// 稳定运行超过这个时长，重启计数清零，偶发故障不会累积成永久放弃
	defaultResetAfter = 5 * time.Minute

	builtinBase   = 3 * time.Second
	builtinMax    = 60 * time.Second
	builtinJitter = time.Second
)

// 停止原因。
const (
	StopDone       = "done"
	StopFatal      = "fatal"
	StopMaxRetries = "max_retries"
	StopCanceled   = "canceled"
)

type Options struct {
	Key      string
	Run      func(ctx context.Context) error
	Strategy *retry.Strategy
	// IsFatal 判定错误是否不可重试（配置错误、登录凭据失效等），nil 视为全部可重试。
	IsFatal   func(error) bool
	OnRestart func(attempt int, err error)
	Health    *health.AccountHealth
	Bus       *logbus.Bus
	Events    *logbus.EventLog
	// Stop 协作式停止钩子（引擎的强停标志），StopAll 时调用。
	Stop       func()
	ResetAfter time.Duration
	Now        func() time.Time
}

// Watchdog 监督一个长跑任务：异常退出按策略退避重启，
// 重试耗尽或命中致命错误后永久放弃。
type Watchdog struct {
	opts     Options
	strategy *retry.Strategy
	disabled atomic.Bool

	mu         sync.Mutex
	restarts   int
	lastReason string
}

func New(opts Options) *Watchdog {
	if opts.Strategy == nil {
		opts.Strategy = retry.Exponential(retry.Config{
			BaseDelay:  builtinBase,
			Factor:     2,
			MaxDelay:   builtinMax,
			Jitter:     builtinJitter,
			MaxRetries: 10,
		})
	}
	if opts.ResetAfter <= 0 {
		opts.ResetAfter = defaultResetAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Watchdog{opts: opts, strategy: opts.Strategy}
}

// Disable 停止后续重启，正在跑的这一轮由 Stop 钩子/ctx 负责退出。
func (w *Watchdog) Disable() { w.disabled.Store(true) }

func (w *Watchdog) Restarts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restarts
}

func (w *Watchdog) StopReason() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastReason
}

// Watch 阻塞监督循环，任务终结后返回最终停止原因。
func (w *Watchdog) Watch(ctx context.Context) string {
	key := w.opts.Key
	for {
		startedAt := w.opts.Now()
		err := w.safeRun(ctx)

		if err == nil {
			return w.finish(StopDone, nil)
		}
		if w.disabled.Load() || ctx.Err() != nil {
			return w.finish(StopCanceled, err)
		}
		if w.opts.IsFatal != nil && w.opts.IsFatal(err) {
			w.log("error", fmt.Sprintf("[%s] 致命错误，不再重启: %v", key, err))
			return w.finish(StopFatal, err)
		}

		// 这一轮跑得够久说明之前的问题已经过去了，从头计数
		if w.opts.Now().Sub(startedAt) >= w.opts.ResetAfter {
			w.strategy.Reset()
		}
		if !w.strategy.HasRetriesLeft() {
			w.log("error", fmt.Sprintf("[%s] 重试次数耗尽，放弃: %v", key, err))
			return w.finish(StopMaxRetries, err)
		}

		delay := w.strategy.NextDelay()
		attempt := w.strategy.Attempt()

		kind := "异常"
		if isNetworkError(err) {
			kind = "网络错误"
		}
		w.log("warn", fmt.Sprintf("[%s] %s，第 %d 次重启（%s 后）: %v", key, kind, attempt, delay, err))

		w.mu.Lock()
		w.restarts++
		w.mu.Unlock()

		if w.opts.Health != nil {
			w.opts.Health.Record(health.EventRestart)
		}
		if w.opts.Events != nil {
			w.opts.Events.EngineRestart(key, "", attempt)
		}
		if w.opts.OnRestart != nil {
			w.opts.OnRestart(attempt, err)
		}

		if !sleepCtx(ctx, delay) || w.disabled.Load() {
			return w.finish(StopCanceled, err)
		}
	}
}

func (w *Watchdog) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("任务 panic: %v", r)
		}
	}()
	return w.opts.Run(ctx)
}

func (w *Watchdog) finish(reason string, err error) string {
	w.mu.Lock()
	w.lastReason = reason
	w.mu.Unlock()

	if reason != StopDone && w.opts.Health != nil {
		w.opts.Health.Record(health.EventStop)
	}
	if w.opts.Events != nil && reason != StopDone {
		w.opts.Events.EngineStop(w.opts.Key, "", reason)
	}
	if w.opts.Bus != nil {
		fields := map[string]any{"key": w.opts.Key, "reason": reason}
		if err != nil {
			fields["error"] = err.Error()
		}
		w.opts.Bus.Publish("engine_stopped", fields)
	}
	return reason
}

func (w *Watchdog) log(level, msg string) {
	if w.opts.Bus != nil {
		w.opts.Bus.Log(level, msg, nil)
	}
}

// isNetworkError 区分网络抖动和业务异常，只影响日志措辞，两者都会重启。
func isNetworkError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT, syscall.EPIPE:
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range []string{"connection refused", "connection reset", "timeout", "no such host", "eof", "econnrefused", "etimedout"} {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Group 一组看门狗的并发监督。
type Group struct {
	mu   sync.Mutex
	dogs []*Watchdog
	wg   sync.WaitGroup
}

func NewGroup() *Group { return &Group{} }

func (g *Group) Add(w *Watchdog) {
	g.mu.Lock()
	g.dogs = append(g.dogs, w)
	g.mu.Unlock()
}

// WatchAll 并发启动全部看门狗，互不影响。
func (g *Group) WatchAll(ctx context.Context) {
	g.mu.Lock()
	dogs := append([]*Watchdog(nil), g.dogs...)
	g.mu.Unlock()

	for _, w := range dogs {
		g.wg.Add(1)
		go func(w *Watchdog) {
			defer g.wg.Done()
			w.Watch(ctx)
		}(w)
	}
}

// StopAll 协作式停机：先禁止重启，再触发各任务的停止钩子。
func (g *Group) StopAll() {
	g.mu.Lock()
	dogs := append([]*Watchdog(nil), g.dogs...)
	g.mu.Unlock()

	for _, w := range dogs {
		w.Disable()
		if w.opts.Stop != nil {
			w.opts.Stop()
		}
	}
}

// Wait 阻塞到全部看门狗退出。
func (g *Group) Wait() { g.wg.Wait() }
