package site

import (
	"encoding/json"
	"testing"
	"time"
)

const sampleConfig = `{
  "id": "demo",
  "name": "Demo",
  "hostname": "shop.example.com",
  "maxPrice": 5,
  "api": {
    "list": {
      "path": "/api/items",
      "params": {"cateId": "{cateId}", "limit": "{limit}", "sort": "price"},
      "parseList": "data.records",
      "parseTotal": "data.total",
      "parsePrice": "priceYuan",
      "parseId": "skuId"
    },
    "buy": {
      "path": "/api/order/create",
      "body": {"skuId": "{id}", "quantity": 1}
    },
    "cateId": {"regex": "category/(\\d+)"},
    "responses": {
      "success": {"check": "code === 0"},
      "soldOut": {"keywords": ["已售罄", "sold out"]},
      "outOfMoney": {"check": "code === 1002", "keywords": ["余额不足"]},
      "rateLimit": {"status": 429, "orStatus": [418]}
    }
  }
}`

func buildSample(t *testing.T) *Site {
	t.Helper()
	s, err := Build([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return s
}

func TestBuildRequiresHostname(t *testing.T) {
	if _, err := Build([]byte(`{"id": "x"}`)); err == nil {
		t.Fatal("缺 hostname 应报错")
	}
}

func TestBuildDefaultsIDToHostname(t *testing.T) {
	s, err := Build([]byte(`{"hostname": "a.example.com"}`))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if s.ID != "a.example.com" {
		t.Fatalf("ID = %q, want hostname", s.ID)
	}
}

func TestListEndpoint(t *testing.T) {
	s := buildSample(t)
	got := s.ListEndpoint("123", 20)
	// url.Values 按 key 排序编码
	want := "/api/items?cateId=123&limit=20&sort=price"
	if got != want {
		t.Fatalf("ListEndpoint = %q, want %q", got, want)
	}
}

func TestParseHelpers(t *testing.T) {
	s := buildSample(t)
	var body any
	err := json.Unmarshal([]byte(`{
		"data": {
			"records": [
				{"skuId": 110005201029005, "priceYuan": 2.5},
				{"skuId": "sku-2", "priceYuan": "3.8"}
			],
			"total": 2
		}
	}`), &body)
	if err != nil {
		t.Fatal(err)
	}

	items := s.Items(body)
	if len(items) != 2 {
		t.Fatalf("Items 数量 = %d, want 2", len(items))
	}
	if got := s.Total(body); got != 2 {
		t.Fatalf("Total = %d, want 2", got)
	}
	if got := s.Price(items[0]); got != 2.5 {
		t.Fatalf("Price[0] = %v, want 2.5", got)
	}
	if got := s.Price(items[1]); got != 3.8 {
		t.Fatalf("字符串价格 Price[1] = %v, want 3.8", got)
	}
	if got := s.ItemID(items[0]); got != "110005201029005" {
		t.Fatalf("数字 id 应转成无小数字符串, got %q", got)
	}
	if got := s.ItemID(items[1]); got != "sku-2" {
		t.Fatalf("ItemID[1] = %q", got)
	}
}

func TestParseHelpersOnMalformedBody(t *testing.T) {
	s := buildSample(t)
	if got := s.Items("not json object"); len(got) != 0 {
		t.Fatalf("坏 body Items = %v, want 空", got)
	}
	if got := s.Total(nil); got != 0 {
		t.Fatalf("坏 body Total = %d, want 0", got)
	}
}

func TestBuyBodyTemplate(t *testing.T) {
	s := buildSample(t)
	body, ok := s.BuyBody("sku-9").(map[string]any)
	if !ok {
		t.Fatalf("BuyBody 类型不对: %T", s.BuyBody("sku-9"))
	}
	if body["skuId"] != "sku-9" {
		t.Fatalf("skuId = %v", body["skuId"])
	}
	if body["quantity"] != float64(1) && body["quantity"] != 1 {
		t.Fatalf("非模板字段应原样保留: %v", body["quantity"])
	}
}

func TestCateIDExtraction(t *testing.T) {
	s := buildSample(t)
	cases := []struct {
		url  string
		want string
	}{
		{"https://shop.example.com/category/1514?tab=hot", "1514"},
		{"https://shop.example.com/home", ""},
	}
	for _, tc := range cases {
		if got := s.CateID(tc.url); got != tc.want {
			t.Errorf("CateID(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func decodeBody(t *testing.T, raw string) Response {
	t.Helper()
	var body any
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		t.Fatal(err)
	}
	return Response{Status: 200, Body: body, Raw: []byte(raw)}
}

func TestClassify(t *testing.T) {
	s := buildSample(t)
	cases := []struct {
		name string
		res  Response
		want Outcome
	}{
		{"成功", decodeBody(t, `{"code": 0, "orderId": "x"}`), OutcomeSuccess},
		{"售罄关键字", decodeBody(t, `{"code": 1001, "msg": "商品已售罄"}`), OutcomeSoldOut},
		{"余额不足字段", decodeBody(t, `{"code": 1002}`), OutcomeOutOfMoney},
		{"429 状态码", Response{Status: 429}, OutcomeRateLimited},
		{"备用状态码", Response{Status: 418}, OutcomeRateLimited},
		{"未知", decodeBody(t, `{"code": 500, "msg": "server busy"}`), OutcomeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := s.Classify(tc.res); got != tc.want {
				t.Fatalf("Classify = %v, want %v", got, tc.want)
			}
		})
	}
}

// 一个响应同时命中多条规则时按固定优先级收口。
func TestClassifyPrecedence(t *testing.T) {
	s := buildSample(t)
	res := decodeBody(t, `{"code": 1002, "msg": "已售罄且余额不足"}`)
	if got := s.Classify(res); got != OutcomeOutOfMoney {
		t.Fatalf("OutOfMoney 应优先于 SoldOut, got %v", got)
	}

	res429 := Response{Status: 429, Raw: []byte(`{"msg": "余额不足"}`)}
	if got := s.Classify(res429); got != OutcomeRateLimited {
		t.Fatalf("RateLimited 应优先于其他, got %v", got)
	}
}

func TestRateLimitDefaultsTo429(t *testing.T) {
	s, err := Build([]byte(`{"hostname": "a.example.com"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsRateLimit(Response{Status: 429}) {
		t.Fatal("未配置时 429 应视为限流")
	}
	if s.IsRateLimit(Response{Status: 200}) {
		t.Fatal("200 不应视为限流")
	}
}

func TestApplyPatchWhitelist(t *testing.T) {
	s := buildSample(t)
	before := s.Runtime()

	changed := s.ApplyPatch(map[string]json.RawMessage{
		"maxPrice":    json.RawMessage(`8.5`),
		"retrySale":   json.RawMessage(`50`),
		"hostname":    json.RawMessage(`"evil.example.com"`), // 非白名单
		"maxBuy":      json.RawMessage(`"not a number"`),     // 类型不对
		"fetchLimit":  json.RawMessage(`10`),                 // 等于当前值
	})

	if len(changed) != 2 {
		t.Fatalf("changed = %v, want [maxPrice retrySale]", changed)
	}
	rt := s.Runtime()
	if rt.MaxPrice != 8.5 {
		t.Fatalf("MaxPrice = %v", rt.MaxPrice)
	}
	if rt.RetrySale != 50*time.Millisecond {
		t.Fatalf("RetrySale = %v", rt.RetrySale)
	}
	if s.Hostname != "shop.example.com" {
		t.Fatal("非白名单键被写入了")
	}
	if rt.Version != before.Version+1 {
		t.Fatalf("Version = %d, want %d", rt.Version, before.Version+1)
	}
}

func TestApplyPatchNoChangeKeepsVersion(t *testing.T) {
	s := buildSample(t)
	v := s.Runtime().Version
	changed := s.ApplyPatch(map[string]json.RawMessage{"maxPrice": json.RawMessage(`5`)})
	if len(changed) != 0 {
		t.Fatalf("无变化补丁 changed = %v", changed)
	}
	if s.Runtime().Version != v {
		t.Fatal("无变化不应升版本")
	}
}

func TestAdaptiveCooldownScalesWithStreak(t *testing.T) {
	s := WithAdaptiveCooldown(buildSample(t))
	base := s.Runtime().Cooldown429

	if got := s.Cooldown(); got != base {
		t.Fatalf("无连击 Cooldown = %v, want %v", got, base)
	}

	s.IsRateLimit(Response{Status: 429})
	if got := s.Cooldown(); got != time.Duration(float64(base)*1.5) {
		t.Fatalf("1 连击 Cooldown = %v, want ×1.5", got)
	}
	s.IsRateLimit(Response{Status: 429})
	if got := s.Cooldown(); got != time.Duration(float64(base)*2.25) {
		t.Fatalf("2 连击 Cooldown = %v, want ×2.25", got)
	}

	// 正常响应回落一级
	s.IsRateLimit(Response{Status: 200})
	if got := s.Cooldown(); got != time.Duration(float64(base)*1.5) {
		t.Fatalf("回落后 Cooldown = %v, want ×1.5", got)
	}
	s.IsRateLimit(Response{Status: 200})
	if got := s.Cooldown(); got != base {
		t.Fatalf("清零后 Cooldown = %v, want 基准", got)
	}
}

func TestAdaptiveCooldownCapped(t *testing.T) {
	s := WithAdaptiveCooldown(buildSample(t))
	base := s.Runtime().Cooldown429
	for i := 0; i < 20; i++ {
		s.IsRateLimit(Response{Status: 429})
	}
	if got := s.Cooldown(); got != time.Duration(float64(base)*8) {
		t.Fatalf("封顶 Cooldown = %v, want ×8", got)
	}
}

func TestFillTemplateNested(t *testing.T) {
	out := FillTemplate(map[string]any{
		"token": "{refreshToken}",
		"meta":  map[string]any{"device": "{device}", "keep": 7},
	}, map[string]string{"refreshToken": "r1", "device": "d1"})

	m := out.(map[string]any)
	if m["token"] != "r1" {
		t.Fatalf("token = %v", m["token"])
	}
	meta := m["meta"].(map[string]any)
	if meta["device"] != "d1" || meta["keep"] != 7 {
		t.Fatalf("嵌套填充不符: %v", meta)
	}
}

func TestLookupString(t *testing.T) {
	var body any
	_ = json.Unmarshal([]byte(`{"data": {"accessToken": "tok", "userId": 42}}`), &body)

	if got := LookupString(body, "data.accessToken"); got != "tok" {
		t.Fatalf("LookupString = %q", got)
	}
	if got := LookupString(body, "data.userId"); got != "42" {
		t.Fatalf("数字转串 = %q", got)
	}
	if got := LookupString(body, "data.missing"); got != "" {
		t.Fatalf("缺失路径 = %q", got)
	}
}
