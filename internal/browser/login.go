package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"autobuy/internal/logbus"
	"autobuy/internal/model"
	"autobuy/internal/site"
)

// 无头模式开关：默认 true。本地调试想看浏览器窗口时设 AUTOBUY_HEADLESS=0。
var headlessMode = func() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("AUTOBUY_HEADLESS")))
	if v == "" {
		return true
	}
	return !(v == "0" || v == "false" || v == "no" || v == "off")
}()

// CookieStore 登录成功后顺手把 cookie 落库，token 字段缺失时还能从 cookie 兜底恢复。
type CookieStore interface {
	SaveCookies(ctx context.Context, hostname, username string, cookies []model.Cookie) error
}

// Manager 全局共享一个浏览器进程，按需懒启动。登录是低频操作，
// 每次登录开独立无痕上下文，互不串 cookie。
type Manager struct {
	bus   *logbus.Bus
	store CookieStore

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
}

func NewManager(store CookieStore, bus *logbus.Bus) *Manager {
	return &Manager{store: store, bus: bus}
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			firstErr = err
		}
		m.browser = nil
	}
	if m.launcher != nil {
		m.launcher.Kill()
		m.launcher = nil
	}
	return firstErr
}

func (m *Manager) handle() (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		return m.browser, nil
	}

	l := launcher.New().Headless(headlessMode)
	u, err := l.Launch()
	if err != nil {
		l.Kill()
		return nil, err
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, err
	}

	m.browser = b
	m.launcher = l
	return m.browser, nil
}

// Login 按站点声明的登录步骤走一遍完整浏览器登录，成功后从
// localStorage / cookie 里抠出 token 拼成会话。
func (m *Manager) Login(ctx context.Context, st *site.Site, acc model.Account) (model.Session, error) {
	browser, err := m.handle()
	if err != nil {
		return model.Session{}, fmt.Errorf("启动浏览器失败: %w", err)
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return model.Session{}, err
	}
	defer func() { _ = incognito.Close() }()

	var page *rod.Page
	if err := rod.Try(func() {
		page = stealth.MustPage(incognito)
	}); err != nil {
		return model.Session{}, err
	}
	page = page.Context(ctx)
	defer func() { _ = page.Close() }()

	loginURL := st.LoginPageURL
	if loginURL == "" {
		loginURL = "https://" + st.Hostname
	}
	if err := navigate(page, loginURL); err != nil {
		return model.Session{}, fmt.Errorf("打开登录页失败: %w", err)
	}

	steps := st.Login
	timeout := st.PageTimeout

	// 有的站点登录框藏在弹窗后面，先按文案点开
	if steps.OpenModalText != "" {
		if !clickByText(page, steps.OpenModalText, timeout) {
			return model.Session{}, fmt.Errorf("未找到登录入口（%s）", steps.OpenModalText)
		}
	}
	if steps.SwitchToLoginText != "" {
		// 注册/登录同一个弹窗时需要切 tab，找不到就当已经在登录页
		_ = clickByText(page, steps.SwitchToLoginText, 2*time.Second)
	}

	userSel := steps.UsernameSelector
	if userSel == "" {
		userSel = `input[name="username"]`
	}
	passSel := steps.PasswordSelector
	if passSel == "" {
		passSel = `input[type="password"]`
	}

	if err := fillInput(page, userSel, acc.Username, timeout); err != nil {
		return model.Session{}, fmt.Errorf("填写用户名失败: %w", err)
	}
	if err := fillInput(page, passSel, acc.Password, timeout); err != nil {
		return model.Session{}, fmt.Errorf("填写密码失败: %w", err)
	}

	// 回车提交，点不到提交按钮的站点基本都支持
	if err := rod.Try(func() {
		el := page.Timeout(2 * time.Second).MustElement(passSel)
		el.MustType(input.Enter)
	}); err != nil {
		return model.Session{}, fmt.Errorf("提交登录失败: %w", err)
	}

	if steps.SuccessText != "" {
		if !waitForText(page, steps.SuccessText, timeout) {
			return model.Session{}, errors.New("登录后未出现成功标识，可能密码错误或触发风控")
		}
	} else {
		time.Sleep(2 * time.Second)
	}

	sess, cookies, err := m.extractSession(page, st, acc)
	if err != nil {
		return model.Session{}, err
	}

	if m.store != nil && len(cookies) > 0 {
		if err := m.store.SaveCookies(ctx, st.Hostname, acc.Username, cookies); err != nil {
			m.log("warn", fmt.Sprintf("[%s] cookie 落库失败: %v", acc.Username, err))
		}
	}
	return sess, nil
}

func (m *Manager) extractSession(page *rod.Page, st *site.Site, acc model.Account) (model.Session, []model.Cookie, error) {
	var access, refresh string
	_ = rod.Try(func() {
		res := page.Timeout(3 * time.Second).MustEval(`() => ({
			access: localStorage.getItem('access_token') || localStorage.getItem('accessToken') || '',
			refresh: localStorage.getItem('refresh_token') || localStorage.getItem('refreshToken') || '',
		})`)
		access = res.Get("access").Str()
		refresh = res.Get("refresh").Str()
	})

	var cookies []model.Cookie
	_ = rod.Try(func() {
		raw := page.Timeout(3 * time.Second).MustCookies()
		for _, c := range raw {
			cookies = append(cookies, model.Cookie{
				Name:    c.Name,
				Value:   c.Value,
				Path:    c.Path,
				Domain:  c.Domain,
				Expires: int64(c.Expires * 1000),
				Secure:  c.Secure,
			})
		}
	})

	cm := model.CookieMap(cookies)
	if access == "" {
		access = cm["access_token"]
	}
	if refresh == "" {
		refresh = cm["refresh_token"]
	}
	if access == "" && refresh == "" {
		return model.Session{}, cookies, errors.New("登录成功但未取到 token")
	}

	return model.Session{
		Hostname:     st.Hostname,
		Username:     acc.Username,
		AccessToken:  access,
		RefreshToken: refresh,
		Clearance:    cm["cf_clearance"],
		UpdatedAt:    time.Now(),
	}, cookies, nil
}

func navigate(page *rod.Page, url string) error {
	waitDom := page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := page.Navigate(url); err != nil {
		return err
	}
	waitDom()
	return nil
}

// clickByText 在可点击元素里找文案完全匹配的那个并点击，轮询直到超时。
func clickByText(page *rod.Page, text string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		res, err := page.Timeout(time.Second).Eval(`(text) => {
			const els = document.querySelectorAll('button, a, span, div, li');
			for (const el of els) {
				if (el.childElementCount === 0 && el.textContent.trim() === text) {
					try { el.click(); } catch (e) { continue; }
					return true;
				}
			}
			return false;
		}`, text)
		if err == nil && res.Value.Bool() {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return false
}

func fillInput(page *rod.Page, selector, value string, timeout time.Duration) error {
	return rod.Try(func() {
		el := page.Timeout(timeout).MustElement(selector)
		el.MustWaitVisible()
		el.MustSelectAllText()
		el.MustInput(value)
	})
}

func waitForText(page *rod.Page, text string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		res, err := page.Timeout(time.Second).Eval(`(text) => document.body && document.body.innerText.includes(text)`, text)
		if err == nil && res.Value.Bool() {
			return true
		}
		time.Sleep(300 * time.Millisecond)
	}
	return false
}

func (m *Manager) log(level, msg string) {
	if m.bus != nil {
		m.bus.Log(level, msg, nil)
	}
}
