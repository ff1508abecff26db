package site

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"autobuy/internal/model"
	"autobuy/internal/retry"
)

// Config sites/*.json 的原始结构。标量有兜底默认值，api 块描述端点、
// 字段路径和响应识别规则，login 块给浏览器登录流程用。
type Config struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Hostname     string `json:"hostname"`
	LoginPageURL string `json:"loginPageUrl"`

	MaxPrice         *float64 `json:"maxPrice,omitempty"`
	MaxBuy           *int     `json:"maxBuy,omitempty"`
	FetchLimit       *int     `json:"fetchLimit,omitempty"`
	RetryNormalMs    *int     `json:"retryNormal,omitempty"`
	RetrySaleMs      *int     `json:"retrySale,omitempty"`
	JitterMs         *int     `json:"jitter,omitempty"`
	CooldownAfter429 *int     `json:"cooldownAfter429,omitempty"`
	EmptyThreshold   *int     `json:"emptyThreshold,omitempty"`
	PageTimeoutMs    *int     `json:"pageTimeout,omitempty"`

	Accounts      []model.Account `json:"accounts,omitempty"`
	API           APIConfig       `json:"api"`
	Login         LoginSteps      `json:"login"`
	RetryStrategy *retry.Config   `json:"retryStrategy,omitempty"`
}

type APIConfig struct {
	List      ListConfig      `json:"list"`
	Buy       BuyConfig       `json:"buy"`
	Auth      AuthConfig      `json:"auth"`
	Responses ResponsesConfig `json:"responses"`
	CateID    CateIDConfig    `json:"cateId"`
}

type ListConfig struct {
	Path       string            `json:"path"`
	Params     map[string]string `json:"params,omitempty"`
	ParseList  string            `json:"parseList,omitempty"`
	ParseTotal string            `json:"parseTotal,omitempty"`
	ParsePrice string            `json:"parsePrice,omitempty"`
	ParseID    string            `json:"parseId,omitempty"`
}

type BuyConfig struct {
	Path string         `json:"path"`
	Body map[string]any `json:"body,omitempty"`
}

// AuthConfig token 刷新端点的声明式描述，session 池按它拼请求、取新 token。
type AuthConfig struct {
	RefreshPath string         `json:"refreshPath,omitempty"`
	RefreshBody map[string]any `json:"refreshBody,omitempty"`
	AccessField string         `json:"accessField,omitempty"`
	UserIDField string         `json:"userIdField,omitempty"`
}

type CateIDConfig struct {
	Regex string `json:"regex,omitempty"`
}

// LoginSteps 浏览器登录要点的选择器/文案。
type LoginSteps struct {
	OpenModalText     string `json:"openModalText,omitempty"`
	SwitchToLoginText string `json:"switchToLoginText,omitempty"`
	UsernameSelector  string `json:"usernameSelector,omitempty"`
	PasswordSelector  string `json:"passwordSelector,omitempty"`
	SuccessText       string `json:"successText,omitempty"`
}

// Site 编译后的站点：标量 + 一组从 JSON 派生的行为函数。
// 函数在进程生命周期内不变，可热更新的标量都收在 Runtime 快照里。
type Site struct {
	ID           string
	Name         string
	Hostname     string
	LoginPageURL string
	PageTimeout  time.Duration

	Accounts      []model.Account
	Auth          AuthConfig
	Login         LoginSteps
	RetryStrategy *retry.Config

	runtime atomic.Pointer[Runtime]

	listEndpoint func(cateID string, limit int) string
	parseList    func(any) []any
	parseTotal   func(any) int
	parsePrice   func(any) float64
	parseID      func(any) string
	cateIDRe     *regexp.Regexp

	buyPath string
	buyBody func(id string) any

	isSuccess    func(Response) bool
	isSoldOut    func(Response) bool
	isOutOfMoney func(Response) bool
	isRateLimit  func(Response) bool

	// cooldown 默认直接读 Runtime 快照，WithAdaptiveCooldown 会替换成带倍率的版本。
	cooldown func() time.Duration
}

func intOr(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

func msOr(v *int, def time.Duration) time.Duration {
	if v != nil {
		return time.Duration(*v) * time.Millisecond
	}
	return def
}

// Build 把一份 JSON 配置编译成 Site。配置错误在这里快速失败，
// 上层对坏掉的站点只记 warning 并跳过，不影响其他站点。
func Build(raw []byte) (*Site, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("站点配置解析失败: %w", err)
	}
	return BuildConfig(cfg)
}

func BuildConfig(cfg Config) (*Site, error) {
	if strings.TrimSpace(cfg.Hostname) == "" {
		return nil, errors.New("站点配置缺少 hostname")
	}
	if strings.TrimSpace(cfg.ID) == "" {
		cfg.ID = cfg.Hostname
	}

	list := cfg.API.List
	parseList := makeGetter(orDefault(list.ParseList, "data"), nil)
	parseTotal := makeGetter(orDefault(list.ParseTotal, "total"), nil)
	parsePrice := makeGetter(orDefault(list.ParsePrice, "price"), nil)
	parseID := makeGetter(orDefault(list.ParseID, "id"), nil)

	cateRe, err := regexp.Compile(orDefault(cfg.API.CateID.Regex, `accounts/([a-f0-9-]{36})`))
	if err != nil {
		return nil, fmt.Errorf("cateId 正则无效: %w", err)
	}

	isSuccess, isSoldOut, isOutOfMoney, isRateLimit := makeCheckers(cfg.API.Responses)

	maxPrice := 999999.0
	if cfg.MaxPrice != nil {
		maxPrice = *cfg.MaxPrice
	}

	s := &Site{
		ID:            cfg.ID,
		Name:          cfg.Name,
		Hostname:      cfg.Hostname,
		LoginPageURL:  cfg.LoginPageURL,
		PageTimeout:   msOr(cfg.PageTimeoutMs, 10*time.Second),
		Accounts:      cfg.Accounts,
		Auth:          cfg.API.Auth,
		Login:         cfg.Login,
		RetryStrategy: cfg.RetryStrategy,

		listEndpoint: makeListEndpoint(orDefault(list.Path, "/"), list.Params),
		parseList: func(v any) []any {
			arr, _ := parseList(v).([]any)
			return arr
		},
		parseTotal: func(v any) int {
			n, _ := asFloat(parseTotal(v))
			return int(n)
		},
		parsePrice: func(item any) float64 {
			n, _ := asFloat(parsePrice(item))
			return n
		},
		parseID: func(item any) string {
			return asString(parseID(item))
		},
		cateIDRe: cateRe,

		buyPath: orDefault(cfg.API.Buy.Path, "/buy"),
		buyBody: func(id string) any {
			if len(cfg.API.Buy.Body) == 0 {
				return map[string]any{"id": id}
			}
			return fillTemplate(cfg.API.Buy.Body, map[string]string{"id": id})
		},

		isSuccess:    isSuccess,
		isSoldOut:    isSoldOut,
		isOutOfMoney: isOutOfMoney,
		isRateLimit:  isRateLimit,
	}

	s.runtime.Store(&Runtime{
		MaxPrice:       maxPrice,
		MaxBuy:         intOr(cfg.MaxBuy, 0),
		FetchLimit:     intOr(cfg.FetchLimit, 10),
		RetryNormal:    msOr(cfg.RetryNormalMs, 800*time.Millisecond),
		RetrySale:      msOr(cfg.RetrySaleMs, 100*time.Millisecond),
		Jitter:         msOr(cfg.JitterMs, 200*time.Millisecond),
		Cooldown429:    msOr(cfg.CooldownAfter429, 10*time.Second),
		EmptyThreshold: intOr(cfg.EmptyThreshold, 60),
	})
	s.cooldown = func() time.Duration { return s.runtime.Load().Cooldown429 }
	return s, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func makeListEndpoint(path string, params map[string]string) func(cateID string, limit int) string {
	// 参数按 key 排序，保证生成的 URL 稳定，方便测试和日志对比。
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return func(cateID string, limit int) string {
		vars := map[string]string{"cateId": cateID, "limit": fmt.Sprintf("%d", limit)}
		q := url.Values{}
		for _, k := range keys {
			q.Set(k, fillTemplate(params[k], vars).(string))
		}
		if len(keys) == 0 {
			return path
		}
		return path + "?" + q.Encode()
	}
}

// ── 行为函数入口 ─────────────────────────────────────────────────

func (s *Site) ListEndpoint(cateID string, limit int) string { return s.listEndpoint(cateID, limit) }
func (s *Site) Items(body any) []any                         { return s.parseList(body) }
func (s *Site) Total(body any) int                           { return s.parseTotal(body) }
func (s *Site) Price(item any) float64                       { return s.parsePrice(item) }
func (s *Site) ItemID(item any) string                       { return s.parseID(item) }
func (s *Site) BuyPath() string                              { return s.buyPath }
func (s *Site) BuyBody(id string) any                        { return s.buyBody(id) }

// CateID 从登录页 URL 提取本站要轮询的分类 id，取第一个捕获组。
func (s *Site) CateID(pageURL string) string {
	m := s.cateIDRe.FindStringSubmatch(pageURL)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func (s *Site) IsRateLimit(res Response) bool { return s.isRateLimit(res) }

// Classify 按固定优先级归类一个响应，这是引擎消费响应的唯一入口。
func (s *Site) Classify(res Response) Outcome {
	switch {
	case s.isRateLimit(res):
		return OutcomeRateLimited
	case s.isOutOfMoney(res):
		return OutcomeOutOfMoney
	case s.isSoldOut(res):
		return OutcomeSoldOut
	case s.isSuccess(res):
		return OutcomeSuccess
	default:
		return OutcomeUnknown
	}
}

// Cooldown 命中限流后的休眠时长，可能被自适应装饰器放大。
func (s *Site) Cooldown() time.Duration { return s.cooldown() }

func (s *Site) EnabledAccounts() []model.Account {
	out := make([]model.Account, 0, len(s.Accounts))
	for _, a := range s.Accounts {
		if a.IsEnabled() {
			out = append(out, a)
		}
	}
	return out
}
