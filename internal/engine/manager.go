package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"autobuy/internal/health"
	"autobuy/internal/limiter"
	"autobuy/internal/logbus"
	"autobuy/internal/model"
	"autobuy/internal/notify"
	"autobuy/internal/retry"
	"autobuy/internal/session"
	"autobuy/internal/site"
	"autobuy/internal/utils"
	"autobuy/internal/watchdog"
)

type ManagerOptions struct {
	Sites     []*site.Site
	Store     ManagerStore
	Bus       *logbus.Bus
	Events    *logbus.EventLog
	Notifier  notify.Notifier
	Login     session.LoginFunc
	Limiter   limiter.Options
	GlobalQPS float64
	Burst     int
	Proxy     string
}

// ManagerStore 管理器需要的持久化能力，*sqlite.Store 满足它。
type ManagerStore interface {
	HistoryStore
	session.Store
}

// Manager 按 站点×启用账号 铺开引擎，每个引擎套一只看门狗并发监督。
type Manager struct {
	opts     ManagerOptions
	limiters *limiter.Registry
	healths  *health.Registry
	global   *rate.Limiter

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *watchdog.Group
	engines []*Engine
	pools   map[string]*session.Pool
}

func NewManager(opts ManagerOptions) *Manager {
	qps := opts.GlobalQPS
	if qps <= 0 {
		qps = 20
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 10
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Noop{}
	}
	return &Manager{
		opts:     opts,
		limiters: limiter.NewRegistry(opts.Limiter),
		healths:  health.NewRegistry(),
		global:   rate.NewLimiter(rate.Limit(qps), burst),
		pools:    make(map[string]*session.Pool),
	}
}

// StartAll 启动全部站点×账号的引擎。幂等：已在跑直接返回。
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group := watchdog.NewGroup()
	var engines []*Engine

	started := 0
	for _, st := range m.opts.Sites {
		accounts := st.EnabledAccounts()
		if len(accounts) == 0 {
			m.log("warn", "站点 "+st.ID+" 没有启用的账号，跳过")
			continue
		}

		pool := m.pools[st.Hostname]
		if pool == nil {
			pool = session.NewPool(st, session.Options{
				Client: m.newClient(),
				Store:  m.opts.Store,
				Login:  m.opts.Login,
				Bus:    m.opts.Bus,
			})
			m.pools[st.Hostname] = pool
		}

		rt := st.Runtime()
		for _, acc := range accounts {
			key := st.ID + "_" + acc.Username
			eng := New(Options{
				Site:     st,
				Account:  acc,
				Sessions: pool,
				Limiter:  m.limiters.Get(key, rt.RetryNormal),
				Health:   m.healths.Get(key),
				Store:    m.opts.Store,
				Bus:      m.opts.Bus,
				Events:   m.opts.Events,
				Notifier: m.opts.Notifier,
				Client:   m.newClient(),
				Global:   m.global,
			})
			engines = append(engines, eng)

			var strategy *retry.Strategy
			if st.RetryStrategy != nil {
				strategy = retry.FromConfig(*st.RetryStrategy)
			}
			group.Add(watchdog.New(watchdog.Options{
				Key:      key,
				Run:      eng.Run,
				Stop:     eng.ForceStop,
				Strategy: strategy,
				IsFatal: func(err error) bool {
					return errors.Is(err, ErrBadConfig)
				},
				Health: m.healths.Get(key),
				Bus:    m.opts.Bus,
				Events: m.opts.Events,
			}))
			started++
		}
	}

	if started == 0 {
		cancel()
		return errors.New("没有可启动的 站点×账号 组合")
	}

	m.running = true
	m.cancel = cancel
	m.group = group
	m.engines = engines
	group.WatchAll(runCtx)
	m.log("info", "引擎已启动")
	return nil
}

// StopAll 协作式停机，阻塞到全部看门狗退出或 ctx 超时。
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	group := m.group
	cancel := m.cancel
	wasRunning := m.running
	m.running = false
	m.cancel = nil
	m.group = nil
	m.mu.Unlock()

	if !wasRunning {
		return nil
	}
	group.StopAll()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		group.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log("info", "引擎已停止")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// States 全部引擎的状态快照，没启动过时为空。
func (m *Manager) States() []model.AccountStatus {
	m.mu.Lock()
	engines := append([]*Engine(nil), m.engines...)
	m.mu.Unlock()

	out := make([]model.AccountStatus, 0, len(engines))
	for _, e := range engines {
		out = append(out, e.Status())
	}
	return out
}

// ApplyPatch 把补丁下发给指定站点的全部引擎。
func (m *Manager) ApplyPatch(siteID string, patch map[string]json.RawMessage) []string {
	m.mu.Lock()
	engines := append([]*Engine(nil), m.engines...)
	m.mu.Unlock()

	var changed []string
	for _, e := range engines {
		if e.site.ID == siteID {
			changed = e.ApplyPatch(patch)
		}
	}
	return changed
}

func (m *Manager) LimiterSnapshots() []limiter.Snapshot { return m.limiters.Snapshot() }
func (m *Manager) HealthSnapshots() []health.Status     { return m.healths.Snapshot() }

func (m *Manager) newClient() *resty.Client {
	c := resty.New().
		SetTimeout(15 * time.Second).
		SetHeader("User-Agent", utils.DefaultBrowserUserAgent()).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return false
			}
			return r.StatusCode() >= 500
		})
	if m.opts.Proxy != "" {
		c.SetProxy(m.opts.Proxy)
	}
	return c
}

func (m *Manager) log(level, msg string) {
	if m.opts.Bus != nil {
		m.opts.Bus.Log(level, msg, nil)
	}
}
