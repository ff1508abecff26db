package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"autobuy/internal/logbus"
	"autobuy/internal/model"
	"autobuy/internal/site"
)

const (
	// access token 留 60s 余量，refresh token 留 30s：刷新调用本身也要时间。
	accessBuffer  = 60 * time.Second
	refreshBuffer = 30 * time.Second

	refreshTimeout = 10 * time.Second
)

var ErrNoSession = errors.New("session: 没有可用会话且无法登录")

// Store 会话持久化的最小接口，*sqlite.Store 满足它。
type Store interface {
	GetSession(ctx context.Context, hostname, username string) (model.Session, error)
	UpsertSession(ctx context.Context, sess model.Session) error
	GetCookies(ctx context.Context, hostname, username string) ([]model.Cookie, error)
}

// LoginFunc 刷新失败时的兜底登录（通常是 browser.Login）。
type LoginFunc func(ctx context.Context, st *site.Site, acc model.Account) (model.Session, error)

type Options struct {
	Client *resty.Client
	Store  Store
	Login  LoginFunc
	Bus    *logbus.Bus
	Now    func() time.Time
}

// Pool 管理单个站点全部账号的会话。并发拿 token 时同一账号只发一次
// 刷新/登录请求，其余调用方等同一个结果。
type Pool struct {
	site   *site.Site
	client *resty.Client
	store  Store
	login  LoginFunc
	bus    *logbus.Bus
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*model.Session
	pending  map[string]*call
}

type call struct {
	done chan struct{}
	sess model.Session
	err  error
}

func NewPool(st *site.Site, opts Options) *Pool {
	p := &Pool{
		site:     st,
		client:   opts.Client,
		store:    opts.Store,
		login:    opts.Login,
		bus:      opts.Bus,
		now:      opts.Now,
		sessions: make(map[string]*model.Session),
		pending:  make(map[string]*call),
	}
	if p.client == nil {
		p.client = resty.New().SetTimeout(refreshTimeout)
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

func (p *Pool) key(username string) string {
	return p.site.Hostname + "_" + username
}

// Token 返回账号当前可用的会话，必要时刷新或重新登录。
func (p *Pool) Token(ctx context.Context, acc model.Account) (model.Session, error) {
	key := p.key(acc.Username)

	p.mu.Lock()
	if sess, ok := p.sessions[key]; ok && tokenValid(sess.AccessToken, accessBuffer, p.now()) {
		out := *sess
		p.mu.Unlock()
		return out, nil
	}
	// 已有同账号的刷新在路上，搭车等结果
	if c, ok := p.pending[key]; ok {
		p.mu.Unlock()
		select {
		case <-c.done:
			return c.sess, c.err
		case <-ctx.Done():
			return model.Session{}, ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	p.pending[key] = c
	p.mu.Unlock()

	sess, err := p.renew(ctx, acc)

	p.mu.Lock()
	delete(p.pending, key)
	if err == nil {
		cp := sess
		p.sessions[key] = &cp
	} else if prev, ok := p.sessions[key]; ok && prev.AccessToken != "" {
		// 刷新和登录都失败但手里还有旧 token：先用旧的顶一轮，
		// 真过期了下游会收到 401 再回来
		p.log("warn", fmt.Sprintf("[%s] 会话续期失败，沿用旧 token: %v", acc.Username, err))
		sess, err = *prev, nil
	}
	c.sess, c.err = sess, err
	p.mu.Unlock()
	close(c.done)
	return sess, err
}

// Invalidate 作废内存里的 access token（下游收到 401 时调用），下次 Token 会强制续期。
func (p *Pool) Invalidate(username string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[p.key(username)]; ok {
		sess.AccessToken = ""
	}
}

// Put 直接写入一份会话（浏览器登录完成、或外部导入时用）。
func (p *Pool) Put(ctx context.Context, sess model.Session) {
	cp := sess
	cp.Hostname = p.site.Hostname
	cp.UpdatedAt = p.now()
	p.mu.Lock()
	p.sessions[p.key(cp.Username)] = &cp
	p.mu.Unlock()
	p.persist(ctx, cp)
}

// Snapshot 当前内存会话的副本，状态接口用。
func (p *Pool) Snapshot() []model.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, *s)
	}
	return out
}

func (p *Pool) renew(ctx context.Context, acc model.Account) (model.Session, error) {
	cur := p.loadCached(ctx, acc.Username)

	if cur != nil && cur.RefreshToken != "" && tokenValid(cur.RefreshToken, refreshBuffer, p.now()) {
		sess, err := p.refresh(ctx, acc, *cur)
		if err == nil {
			p.persist(ctx, sess)
			p.log("info", fmt.Sprintf("[%s] token 刷新成功", acc.Username))
			return sess, nil
		}
		p.log("warn", fmt.Sprintf("[%s] token 刷新失败，转浏览器登录: %v", acc.Username, err))
	}

	if p.login == nil {
		return model.Session{}, ErrNoSession
	}
	sess, err := p.login(ctx, p.site, acc)
	if err != nil {
		return model.Session{}, fmt.Errorf("登录失败: %w", err)
	}
	sess.Hostname = p.site.Hostname
	sess.Username = acc.Username
	sess.UpdatedAt = p.now()
	p.persist(ctx, sess)
	p.log("info", fmt.Sprintf("[%s] 浏览器登录成功", acc.Username))
	return sess, nil
}

// loadCached 返回内存里的会话，没有则尝试从持久层捞，再没有退回 cookie 兜底。
func (p *Pool) loadCached(ctx context.Context, username string) *model.Session {
	key := p.key(username)
	p.mu.Lock()
	if sess, ok := p.sessions[key]; ok {
		out := *sess
		p.mu.Unlock()
		return &out
	}
	p.mu.Unlock()

	if p.store == nil {
		return nil
	}
	sess, err := p.store.GetSession(ctx, p.site.Hostname, username)
	if err == nil {
		p.mu.Lock()
		cp := sess
		p.sessions[key] = &cp
		p.mu.Unlock()
		return &sess
	}

	// 老版本只存了 cookie，捞出来拼一份最小会话
	cookies, cerr := p.store.GetCookies(ctx, p.site.Hostname, username)
	if cerr != nil || len(cookies) == 0 {
		return nil
	}
	cm := model.CookieMap(cookies)
	built := model.Session{
		Hostname:     p.site.Hostname,
		Username:     username,
		AccessToken:  cm["access_token"],
		RefreshToken: cm["refresh_token"],
		Clearance:    cm["cf_clearance"],
	}
	if built.AccessToken == "" && built.RefreshToken == "" {
		return nil
	}
	p.mu.Lock()
	cp := built
	p.sessions[key] = &cp
	p.mu.Unlock()
	return &built
}

// refresh 按站点 auth 配置调刷新端点换新 access token。
func (p *Pool) refresh(ctx context.Context, acc model.Account, cur model.Session) (model.Session, error) {
	auth := p.site.Auth
	if auth.RefreshPath == "" {
		return model.Session{}, errors.New("站点未配置 refreshPath")
	}

	body := site.FillTemplate(auth.RefreshBody, map[string]string{
		"refreshToken": cur.RefreshToken,
		"username":     acc.Username,
	})
	if body == nil {
		body = map[string]any{"refreshToken": cur.RefreshToken}
	}

	var out map[string]any
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&out).
		Post("https://" + p.site.Hostname + auth.RefreshPath)
	if err != nil {
		return model.Session{}, err
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return model.Session{}, fmt.Errorf("刷新端点返回 %d", resp.StatusCode())
	}

	accessField := auth.AccessField
	if accessField == "" {
		accessField = "accessToken"
	}
	access := site.LookupString(out, accessField)
	if access == "" {
		return model.Session{}, fmt.Errorf("刷新响应缺少 %s 字段", accessField)
	}

	next := cur
	next.Username = acc.Username
	next.AccessToken = access
	// 端点可能轮换 refresh token，带了就跟着换
	if rt := site.LookupString(out, "refreshToken"); rt != "" {
		next.RefreshToken = rt
	}
	userIDField := auth.UserIDField
	if userIDField == "" {
		userIDField = "sub"
	}
	if uid := tokenClaim(access, userIDField); uid != "" {
		next.UserID = uid
	}
	next.UpdatedAt = p.now()
	return next, nil
}

func (p *Pool) persist(ctx context.Context, sess model.Session) {
	if p.store == nil {
		return
	}
	if err := p.store.UpsertSession(ctx, sess); err != nil {
		p.log("warn", fmt.Sprintf("[%s] 会话持久化失败: %v", sess.Username, err))
	}
}

func (p *Pool) log(level, msg string) {
	if p.bus != nil {
		p.bus.Log(level, msg, nil)
	}
}
