package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"autobuy/internal/health"
	"autobuy/internal/limiter"
	"autobuy/internal/logbus"
	"autobuy/internal/model"
	"autobuy/internal/notify"
	"autobuy/internal/session"
	"autobuy/internal/site"
)

const (
	// 单次购买请求的硬超时，到点直接放弃这一件
	buyTimeout = 8 * time.Second

	// 循环内部错误的退避参数，和看门狗的重启退避是两层
	errBackoffBase = 3 * time.Second
	errBackoffMax  = 60 * time.Second

	// 暂停/冷却等待按小片睡，保证强停和取消能及时生效
	sleepSlice = 5 * time.Second
)

// 停止原因。
const (
	ReasonOutOfMoney   = "out_of_money"
	ReasonQuotaReached = "quota_reached"
	ReasonForceStop    = "force_stop"
)

// ErrBadConfig 站点配置本身有问题，重启多少次都一样，看门狗按致命处理。
var ErrBadConfig = errors.New("站点配置错误")

type HistoryStore interface {
	AddHistory(ctx context.Context, rec model.HistoryRecord) (model.HistoryRecord, error)
}

type Options struct {
	Site     *site.Site
	Account  model.Account
	Sessions *session.Pool
	Limiter  *limiter.AccountLimiter
	Health   *health.AccountHealth
	Store    HistoryStore
	Bus      *logbus.Bus
	Events   *logbus.EventLog
	Notifier notify.Notifier
	Client   *resty.Client
	Global   *rate.Limiter

	// BaseURL 覆盖请求基地址，空则 https://<hostname>。测试用。
	BaseURL string
}

// Engine 一个 (站点, 账号) 的抢购循环。Run 阻塞到干净停止或致命错误，
// 重启交给上层看门狗。
type Engine struct {
	site     *site.Site
	account  model.Account
	sessions *session.Pool
	limiter  *limiter.AccountLimiter
	health   *health.AccountHealth
	store    HistoryStore
	bus      *logbus.Bus
	events   *logbus.EventLog
	notifier notify.Notifier
	client   *resty.Client
	global   *rate.Limiter
	baseURL  string

	forceStop atomic.Bool

	mu          sync.Mutex
	totalBought int
	totalSpent  float64
	lastStock   int
	running     bool
	stopped     bool
}

func New(opts Options) *Engine {
	e := &Engine{
		site:     opts.Site,
		account:  opts.Account,
		sessions: opts.Sessions,
		limiter:  opts.Limiter,
		health:   opts.Health,
		store:    opts.Store,
		bus:      opts.Bus,
		events:   opts.Events,
		notifier: opts.Notifier,
		client:   opts.Client,
		global:   opts.Global,
		baseURL:  opts.BaseURL,

		// -1 表示还没拉到过库存，首轮不算"库存变化"
		lastStock: -1,
	}
	if e.client == nil {
		e.client = resty.New().SetTimeout(15 * time.Second)
	}
	if e.notifier == nil {
		e.notifier = notify.Noop{}
	}
	if e.baseURL == "" {
		e.baseURL = "https://" + opts.Site.Hostname
	}
	return e
}

// ForceStop 置强停标志，循环在下一个检查点退出。幂等。
func (e *Engine) ForceStop() { e.forceStop.Store(true) }

func (e *Engine) Key() string {
	return e.site.ID + "_" + e.account.Username
}

// ApplyPatch 热更新入口，直接换站点的运行时快照，下个轮询周期生效。
func (e *Engine) ApplyPatch(patch map[string]json.RawMessage) []string {
	return e.site.ApplyPatch(patch)
}

// Status 当前状态快照。
func (e *Engine) Status() model.AccountStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	stock := e.lastStock
	if stock < 0 {
		stock = 0
	}
	return model.AccountStatus{
		Site:        e.site.ID,
		Username:    e.account.Username,
		Label:       e.account.Label,
		TotalBought: e.totalBought,
		TotalSpent:  e.totalSpent,
		Stock:       stock,
		DelayMs:     e.limiter.Delay(0).Milliseconds(),
		Health:      e.health.Score(),
		Running:     e.running,
		Paused:      e.limiter.IsPaused(),
		Stopped:     e.stopped,
	}
}

// Run 主循环。返回 nil 表示干净停止（强停/配额满/余额不足），
// 返回 error 表示需要看门狗介入的异常退出。
func (e *Engine) Run(ctx context.Context) error {
	username := e.account.Username
	siteID := e.site.ID

	// 初始化失败是致命的：没有会话或分类 id 时重试也没有意义
	if _, err := e.sessions.Token(ctx, e.account); err != nil {
		return fmt.Errorf("初始化会话失败: %w", err)
	}
	cateID := e.site.CateID(e.site.LoginPageURL)
	if cateID == "" {
		return fmt.Errorf("%w: 无法从 %q 提取分类 id", ErrBadConfig, e.site.LoginPageURL)
	}

	e.setRunning(true)
	defer e.setRunning(false)

	e.health.Record(health.EventStart)
	if e.events != nil {
		e.events.EngineStart(siteID, username)
	}
	e.notifier.OnStart(ctx, siteID, username)
	e.logf("info", "[%s/%s] 开始监控 分类=%s", siteID, username, cateID)

	errBackoff := errBackoffBase
	emptyPolls := 0
	fastPace := false

	for {
		if e.shouldStop(ctx) {
			return e.cleanStop(ctx, ReasonForceStop)
		}

		// 限流暂停期：切片睡，随时可被强停打断
		if e.limiter.IsPaused() {
			if !e.sleepSliced(ctx, e.limiter.PauseRemaining()) {
				return e.cleanStop(ctx, ReasonForceStop)
			}
			continue
		}

		rt := e.site.Runtime()

		done, err := e.pollOnce(ctx, cateID, rt, &emptyPolls, &fastPace)
		if done != "" {
			return e.cleanStop(ctx, done)
		}
		if err != nil {
			// 未归类的循环错误：内部指数退避，不直接抛给看门狗
			e.health.Record(health.EventRestart)
			e.logf("warn", "[%s/%s] 轮询出错，%s 后重试: %v", siteID, username, errBackoff, err)
			if e.events != nil {
				e.events.Error(siteID, username, err.Error())
			}
			if !e.sleepSliced(ctx, errBackoff) {
				return e.cleanStop(ctx, ReasonForceStop)
			}
			errBackoff *= 2
			if errBackoff > errBackoffMax {
				errBackoff = errBackoffMax
			}
			continue
		}
		errBackoff = errBackoffBase

		// 步调：有货快抢、没货回落，基准写回限流器后取带抖动的实际延时
		base := rt.RetryNormal
		if fastPace {
			base = rt.RetrySale
		}
		e.limiter.SetBaseDelay(base)
		e.publishStatus()
		if !e.sleepSliced(ctx, e.limiter.Delay(rt.Jitter)) {
			return e.cleanStop(ctx, ReasonForceStop)
		}
	}
}

// pollOnce 跑一个轮询周期。返回非空 reason 表示需要干净停止。
func (e *Engine) pollOnce(ctx context.Context, cateID string, rt site.Runtime, emptyPolls *int, fastPace *bool) (reason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			reason = ""
			err = fmt.Errorf("轮询 panic: %v", r)
		}
	}()

	siteID := e.site.ID
	username := e.account.Username

	if e.global != nil {
		if err := e.global.Wait(ctx); err != nil {
			return ReasonForceStop, nil
		}
	}

	sess, err := e.sessions.Token(ctx, e.account)
	if err != nil {
		return "", fmt.Errorf("获取会话失败: %w", err)
	}

	res, err := e.request(ctx, sess, "GET", e.site.ListEndpoint(cateID, rt.FetchLimit), nil)
	if err != nil {
		return "", fmt.Errorf("拉取列表失败: %w", err)
	}
	if res.Status == 401 {
		e.sessions.Invalidate(username)
		return "", errors.New("会话过期（401）")
	}
	if e.site.IsRateLimit(res) {
		e.on429(ctx, "list")
		return "", nil
	}
	// 没被限流的拉取都算一次成功，让被 429 抬高的延时正常回落
	e.limiter.OnSuccess()

	items := e.site.Items(res.Body)
	total := e.site.Total(res.Body)

	e.mu.Lock()
	lastStock := e.lastStock
	e.lastStock = total
	bought := e.totalBought
	e.mu.Unlock()

	// 库存变化是上新/售出信号，切快步调。首轮没有基线，不触发
	if lastStock >= 0 && total != lastStock {
		*fastPace = true
		*emptyPolls = 0
		e.logf("info", "[%s/%s] 库存变化 %d → %d", siteID, username, lastStock, total)
		if e.events != nil {
			e.events.Stock(siteID, username, total)
		}
	}

	maxBuy := rt.MaxBuy
	if maxBuy > 0 && bought >= maxBuy {
		return ReasonQuotaReached, nil
	}

	// 预筛：超价的不碰
	candidates := make([]any, 0, len(items))
	for _, item := range items {
		if p := e.site.Price(item); p > rt.MaxPrice {
			continue
		}
		candidates = append(candidates, item)
	}

	// 空轮计数看的是筛完价格后的候选：有货但全超价，同样不值得快打
	if len(candidates) == 0 {
		*emptyPolls++
		if *emptyPolls >= rt.EmptyThreshold {
			// 长时间没得买：回落到普通步调，顺手把 token 续上，等真来货时不用现刷
			*fastPace = false
			*emptyPolls = 0
			_, _ = e.sessions.Token(ctx, e.account)
		}
		return "", nil
	}
	*emptyPolls = 0

	if maxBuy > 0 && len(candidates) > maxBuy-bought {
		candidates = candidates[:maxBuy-bought]
	}

	outcome := e.buyRound(ctx, sess, candidates)

	// 本轮每个成功购买都算一次限流器意义上的成功，加速恢复
	for i := 0; i < outcome.bought; i++ {
		e.limiter.OnSuccess()
	}
	if outcome.rateLimited {
		e.on429(ctx, "buy")
	}
	if outcome.outOfMoney {
		return ReasonOutOfMoney, nil
	}

	e.mu.Lock()
	bought = e.totalBought
	e.mu.Unlock()
	if maxBuy > 0 && bought >= maxBuy {
		return ReasonQuotaReached, nil
	}
	return "", nil
}

type roundOutcome struct {
	bought      int
	rateLimited bool
	outOfMoney  bool
}

// buyRound 并行抢一批候选，每件独立限时。429 终止本轮剩余处理，
// 余额不足让整个引擎收工。
func (e *Engine) buyRound(ctx context.Context, sess model.Session, candidates []any) roundOutcome {
	var (
		mu  sync.Mutex
		out roundOutcome
		wg  sync.WaitGroup
	)

	for _, item := range candidates {
		mu.Lock()
		aborted := out.rateLimited || out.outOfMoney
		mu.Unlock()
		if aborted {
			break
		}

		wg.Add(1)
		go func(item any) {
			defer wg.Done()
			price := e.site.Price(item)
			id := e.site.ItemID(item)

			buyCtx, cancel := context.WithTimeout(ctx, buyTimeout)
			defer cancel()

			res, err := e.request(buyCtx, sess, "POST", e.site.BuyPath(), e.site.BuyBody(id))
			if err != nil {
				e.logf("warn", "[%s/%s] 购买请求失败 %s: %v", e.site.ID, e.account.Username, id, err)
				return
			}

			switch e.site.Classify(res) {
			case site.OutcomeRateLimited:
				mu.Lock()
				out.rateLimited = true
				mu.Unlock()
			case site.OutcomeOutOfMoney:
				mu.Lock()
				out.outOfMoney = true
				mu.Unlock()
			case site.OutcomeSoldOut:
				// 被别人抢了，正常现象，不刷日志
			case site.OutcomeSuccess:
				mu.Lock()
				out.bought++
				mu.Unlock()
				e.onBought(ctx, id, price, res.Raw)
			default:
				e.logf("warn", "[%s/%s] 无法识别的购买响应 status=%d body=%s",
					e.site.ID, e.account.Username, res.Status, truncate(res.Raw, 200))
			}
		}(item)
	}

	wg.Wait()
	return out
}

func (e *Engine) onBought(ctx context.Context, itemID string, price float64, raw []byte) {
	siteID := e.site.ID
	username := e.account.Username

	e.mu.Lock()
	e.totalBought++
	e.totalSpent += price
	e.mu.Unlock()

	e.health.Record(health.EventBuy)
	e.logf("info", "[%s/%s] 购买成功 %s ￥%.2f", siteID, username, itemID, price)
	if e.bus != nil {
		e.bus.Bought(logbus.BoughtData{Site: siteID, Username: username, ItemID: itemID, Price: price})
	}
	if e.events != nil {
		e.events.Buy(siteID, username, itemID, price)
	}
	if e.store != nil {
		rec := model.HistoryRecord{
			Time:     time.Now(),
			Site:     siteID,
			Username: username,
			ItemID:   itemID,
			Price:    price,
			Payload:  json.RawMessage(raw),
		}
		if _, err := e.store.AddHistory(ctx, rec); err != nil {
			e.logf("warn", "[%s/%s] 写入购买历史失败: %v", siteID, username, err)
		}
	}
	e.notifier.OnBought(ctx, notify.BoughtEvent{
		At: time.Now(), Site: siteID, Username: username, ItemID: itemID, Price: price,
	})
}

func (e *Engine) on429(ctx context.Context, where string) {
	siteID := e.site.ID
	username := e.account.Username

	e.limiter.On429()
	e.health.Record(health.Event429)
	cooldown := e.site.Cooldown()

	e.logf("warn", "[%s/%s] 命中限流（%s），冷却 %s", siteID, username, where, cooldown)
	if e.bus != nil {
		e.bus.RateLimit(logbus.RateLimitData{Site: siteID, Username: username, CooldownMs: cooldown.Milliseconds()})
	}
	if e.events != nil {
		e.events.RateLimit(siteID, username, cooldown)
	}
	e.sleepSliced(ctx, cooldown)
}

func (e *Engine) cleanStop(ctx context.Context, reason string) error {
	siteID := e.site.ID
	username := e.account.Username

	e.mu.Lock()
	e.stopped = true
	spent := e.totalSpent
	e.mu.Unlock()

	e.health.Record(health.EventStop)
	if e.events != nil {
		e.events.EngineStop(siteID, username, reason)
	}
	switch reason {
	case ReasonOutOfMoney:
		if e.events != nil {
			e.events.OutOfMoney(siteID, username, spent)
		}
		e.notifier.OnOutOfMoney(ctx, siteID, username)
	}
	e.notifier.OnStop(ctx, siteID, username, reason)
	e.logf("info", "[%s/%s] 已停止（%s）", siteID, username, reason)
	e.publishStatus()
	return nil
}

// request 发一次站点请求并解码 JSON，429/解析失败不算错误，留给分类器处理。
func (e *Engine) request(ctx context.Context, sess model.Session, method, path string, body any) (site.Response, error) {
	req := e.client.R().SetContext(ctx)
	if sess.AccessToken != "" {
		req.SetAuthToken(sess.AccessToken)
	}
	if sess.Clearance != "" {
		req.SetCookie(&http.Cookie{Name: "cf_clearance", Value: sess.Clearance})
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, e.baseURL+path)
	if err != nil {
		return site.Response{}, err
	}

	raw := resp.Body()
	var decoded any
	_ = json.Unmarshal(raw, &decoded)
	return site.Response{Status: resp.StatusCode(), Body: decoded, Raw: raw}, nil
}

func (e *Engine) shouldStop(ctx context.Context) bool {
	return e.forceStop.Load() || ctx.Err() != nil
}

// sleepSliced 把长等待拆成小片，期间强停或取消立即返回 false。
func (e *Engine) sleepSliced(ctx context.Context, d time.Duration) bool {
	for d > 0 {
		if e.shouldStop(ctx) {
			return false
		}
		slice := d
		if slice > sleepSlice {
			slice = sleepSlice
		}
		timer := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		d -= slice
	}
	return !e.shouldStop(ctx)
}

func (e *Engine) setRunning(v bool) {
	e.mu.Lock()
	e.running = v
	e.mu.Unlock()
	e.publishStatus()
}

func (e *Engine) publishStatus() {
	if e.bus != nil {
		e.bus.Status(e.Status())
	}
}

func (e *Engine) logf(level, format string, args ...any) {
	if e.bus != nil {
		e.bus.Log(level, fmt.Sprintf(format, args...), nil)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
