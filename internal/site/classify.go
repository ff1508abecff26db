package site

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

// Outcome 购买/列表响应的分类结果。
// Classify 固定按 RateLimited → OutOfMoney → SoldOut → Success 的优先级判定：
// 配置写得不严谨时一个响应可能同时命中多条规则，优先级在这里收口，调用方不用各自约定顺序。
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeSuccess
	OutcomeSoldOut
	OutcomeOutOfMoney
	OutcomeRateLimited
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeSoldOut:
		return "sold_out"
	case OutcomeOutOfMoney:
		return "out_of_money"
	case OutcomeRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Response HTTP 往返的分类输入。Body 是解码后的 JSON（解不开则为 nil），Raw 是原始字节。
type Response struct {
	Status int
	Body   any
	Raw    []byte
}

func (r Response) lowerText() string {
	if len(r.Raw) > 0 {
		return strings.ToLower(string(r.Raw))
	}
	if r.Body == nil {
		return ""
	}
	b, err := json.Marshal(r.Body)
	if err != nil {
		return ""
	}
	return strings.ToLower(string(b))
}

// RuleConfig 一条响应识别规则：字段比较、状态码集合、关键字，命中任意一项即算命中。
type RuleConfig struct {
	Check    string   `json:"check,omitempty"`
	Status   int      `json:"status,omitempty"`
	OrStatus []int    `json:"orStatus,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

type ResponsesConfig struct {
	Success    RuleConfig `json:"success"`
	SoldOut    RuleConfig `json:"soldOut"`
	OutOfMoney RuleConfig `json:"outOfMoney"`
	RateLimit  RuleConfig `json:"rateLimit"`
}

var (
	eqExpr  = regexp.MustCompile(`^([\w.]+)\s*===\s*(.+)$`)
	neqExpr = regexp.MustCompile(`^([\w.]+)\s*!==\s*(.+)$`)
)

// parseFieldCheck 解析 "path.to.field === literal"（或 !==）。
// literal 按 JSON 字面量解析，只在编译期解析一次。
func parseFieldCheck(expr string) func(any) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return func(any) bool { return false }
	}
	var negate bool
	m := eqExpr.FindStringSubmatch(expr)
	if m == nil {
		m = neqExpr.FindStringSubmatch(expr)
		negate = true
	}
	if m == nil {
		return func(any) bool { return false }
	}
	get := makeGetter(m[1], nil)
	var expected any
	if err := json.Unmarshal(bytes.TrimSpace([]byte(m[2])), &expected); err != nil {
		return func(any) bool { return false }
	}
	return func(body any) bool {
		eq := get(body) == expected
		if negate {
			return !eq
		}
		return eq
	}
}

func makeChecker(rule RuleConfig) func(Response) bool {
	check := parseFieldCheck(rule.Check)
	statuses := make(map[int]struct{}, len(rule.OrStatus)+1)
	for _, s := range rule.OrStatus {
		statuses[s] = struct{}{}
	}
	if rule.Status != 0 {
		statuses[rule.Status] = struct{}{}
	}
	keywords := make([]string, 0, len(rule.Keywords))
	for _, kw := range rule.Keywords {
		keywords = append(keywords, strings.ToLower(kw))
	}

	return func(res Response) bool {
		if _, ok := statuses[res.Status]; ok {
			return true
		}
		if check(res.Body) {
			return true
		}
		if len(keywords) > 0 {
			text := res.lowerText()
			for _, kw := range keywords {
				if strings.Contains(text, kw) {
					return true
				}
			}
		}
		return false
	}
}

func makeCheckers(cfg ResponsesConfig) (isSuccess, isSoldOut, isOutOfMoney, isRateLimit func(Response) bool) {
	rl := cfg.RateLimit
	if rl.Status == 0 && len(rl.OrStatus) == 0 {
		rl.Status = 429
	}
	return makeChecker(cfg.Success), makeChecker(cfg.SoldOut), makeChecker(cfg.OutOfMoney), makeChecker(rl)
}
