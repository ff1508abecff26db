package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"autobuy/internal/model"
)

func openTestStore(t *testing.T, maxHistory int) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{
		Path:       filepath.Join(t.TempDir(), "test.db"),
		MaxHistory: maxHistory,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHistoryAddAndList(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()

	rec, err := s.AddHistory(ctx, model.HistoryRecord{
		Site: "demo", Username: "u1", ItemID: "sku-1", Price: 2.5,
		Payload: json.RawMessage(`{"orderId":"o1"}`),
	})
	if err != nil {
		t.Fatalf("AddHistory: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("应自动生成 id")
	}
	if rec.Time.IsZero() {
		t.Fatal("应自动补时间")
	}

	got, err := s.ListHistory(ctx, model.HistoryFilter{})
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("记录数 = %d", len(got))
	}
	r := got[0]
	if r.Site != "demo" || r.Username != "u1" || r.ItemID != "sku-1" || r.Price != 2.5 {
		t.Fatalf("记录不符: %+v", r)
	}
	if string(r.Payload) != `{"orderId":"o1"}` {
		t.Fatalf("payload = %s", r.Payload)
	}
}

func TestHistoryValidation(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	cases := []model.HistoryRecord{
		{Username: "u1", Price: 1},            // 缺 site
		{Site: "demo", Price: 1},              // 缺 username
		{Site: "demo", Username: "u", Price: -1}, // 负价格
	}
	for i, rec := range cases {
		if _, err := s.AddHistory(ctx, rec); err == nil {
			t.Errorf("用例 %d 应校验失败", i)
		}
	}
}

func TestHistoryFilters(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	base := time.Now().Truncate(time.Millisecond)

	seed := []model.HistoryRecord{
		{Site: "a", Username: "u1", Price: 1, Time: base.Add(-3 * time.Hour)},
		{Site: "a", Username: "u2", Price: 2, Time: base.Add(-2 * time.Hour)},
		{Site: "b", Username: "u1", Price: 3, Time: base.Add(-1 * time.Hour)},
	}
	for _, r := range seed {
		if _, err := s.AddHistory(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	cases := []struct {
		name   string
		filter model.HistoryFilter
		want   int
	}{
		{"全部", model.HistoryFilter{}, 3},
		{"按站点", model.HistoryFilter{Site: "a"}, 2},
		{"按账号", model.HistoryFilter{Username: "u1"}, 2},
		{"站点加账号", model.HistoryFilter{Site: "a", Username: "u1"}, 1},
		{"时间窗", model.HistoryFilter{From: base.Add(-150 * time.Minute)}, 2},
		{"时间上界", model.HistoryFilter{To: base.Add(-150 * time.Minute)}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.ListHistory(ctx, tc.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tc.want {
				t.Fatalf("记录数 = %d, want %d", len(got), tc.want)
			}
		})
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 3; i++ {
		_, err := s.AddHistory(ctx, model.HistoryRecord{
			Site: "demo", Username: "u1", Price: float64(i),
			Time: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.ListHistory(ctx, model.HistoryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Price != 2 || got[2].Price != 0 {
		t.Fatalf("应最新在前: %v %v %v", got[0].Price, got[1].Price, got[2].Price)
	}
}

func TestHistoryTrimToMax(t *testing.T) {
	s := openTestStore(t, 3)
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 6; i++ {
		_, err := s.AddHistory(ctx, model.HistoryRecord{
			Site: "demo", Username: "u1", Price: float64(i),
			Time: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.CountHistory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("上限 3 实存 %d", n)
	}
	got, _ := s.ListHistory(ctx, model.HistoryFilter{})
	if got[len(got)-1].Price != 3 {
		t.Fatal("应淘汰最旧的记录")
	}
}

func TestHistoryDeleteAndClear(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	rec, err := s.AddHistory(ctx, model.HistoryRecord{Site: "demo", Username: "u1", Price: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddHistory(ctx, model.HistoryRecord{Site: "demo", Username: "u1", Price: 2}); err != nil {
		t.Fatal(err)
	}

	ok, err := s.DeleteHistory(ctx, rec.ID)
	if err != nil || !ok {
		t.Fatalf("DeleteHistory = %v, %v", ok, err)
	}
	ok, err = s.DeleteHistory(ctx, "no-such-id")
	if err != nil || ok {
		t.Fatalf("删除不存在的 id = %v, %v", ok, err)
	}

	if err := s.ClearHistory(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.CountHistory(ctx); n != 0 {
		t.Fatalf("清空后仍有 %d 条", n)
	}
}

func TestHistorySummaryAggregates(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	base := time.Now().Truncate(time.Millisecond)

	seed := []model.HistoryRecord{
		{Site: "a", Username: "u1", Price: 1, Time: base.Add(-2 * time.Hour)},
		{Site: "a", Username: "u1", Price: 3, Time: base.Add(-1 * time.Hour)},
		{Site: "b", Username: "u2", Price: 5, Time: base},
	}
	for _, r := range seed {
		if _, err := s.AddHistory(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	sum, err := s.HistorySummary(ctx, model.HistoryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalRecords != 3 || sum.TotalSpent != 9 {
		t.Fatalf("总计不符: %+v", sum)
	}
	if len(sum.ByAccount) != 2 {
		t.Fatalf("账号数 = %d", len(sum.ByAccount))
	}
	var u1 *model.HistoryAccountSummary
	for i := range sum.ByAccount {
		if sum.ByAccount[i].Username == "u1" {
			u1 = &sum.ByAccount[i]
		}
	}
	if u1 == nil {
		t.Fatal("缺 u1 聚合")
	}
	if u1.Count != 2 || u1.TotalSpent != 4 || u1.AvgPrice != 2 || u1.MinPrice != 1 || u1.MaxPrice != 3 {
		t.Fatalf("u1 聚合不符: %+v", u1)
	}
	if !u1.FirstBuy.Before(u1.LastBuy) {
		t.Fatal("首末购买时间顺序不对")
	}
}

func TestHistoryExportImportRoundTrip(t *testing.T) {
	src := openTestStore(t, 0)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := src.AddHistory(ctx, model.HistoryRecord{
			Site: "demo", Username: "u1", ItemID: "sku", Price: float64(i) + 0.5,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	data, err := src.ExportHistoryJSON(ctx, model.HistoryFilter{})
	if err != nil {
		t.Fatal(err)
	}

	dst := openTestStore(t, 0)
	n, err := dst.ImportHistoryJSON(ctx, data)
	if err != nil {
		t.Fatalf("ImportHistoryJSON: %v", err)
	}
	if n != 3 {
		t.Fatalf("导入 %d 条, want 3", n)
	}

	a, _ := src.ListHistory(ctx, model.HistoryFilter{})
	b, _ := dst.ListHistory(ctx, model.HistoryFilter{})
	if len(a) != len(b) {
		t.Fatalf("round-trip 数量不符: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Price != b[i].Price || !a[i].Time.Equal(b[i].Time) {
			t.Fatalf("第 %d 条 round-trip 不符:\n%+v\n%+v", i, a[i], b[i])
		}
	}
}

func TestHistoryExportCSVAndJSONL(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	if _, err := s.AddHistory(ctx, model.HistoryRecord{Site: "demo", Username: "u1", Price: 2.5}); err != nil {
		t.Fatal(err)
	}

	csvData, err := s.ExportHistoryCSV(ctx, model.HistoryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(csvData)), "\n")
	if len(lines) != 2 {
		t.Fatalf("CSV 行数 = %d, want 表头+1", len(lines))
	}
	if !strings.HasPrefix(lines[0], "id,time,site,username") {
		t.Fatalf("CSV 表头不符: %s", lines[0])
	}

	jsonl, err := s.ExportHistoryJSONL(ctx, model.HistoryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	var rec model.HistoryRecord
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(jsonl))), &rec); err != nil {
		t.Fatalf("JSONL 行解析失败: %v", err)
	}
	if rec.Price != 2.5 {
		t.Fatalf("JSONL price = %v", rec.Price)
	}
}

func TestSessionUpsertAndGet(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()

	sess := model.Session{
		Hostname: "shop.example.com", Username: "u1",
		AccessToken: "a1", RefreshToken: "r1", UserID: "uid",
		UpdatedAt: time.Now(),
	}
	if err := s.UpsertSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSession(ctx, "shop.example.com", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "a1" || got.RefreshToken != "r1" {
		t.Fatalf("会话不符: %+v", got)
	}

	sess.AccessToken = "a2"
	if err := s.UpsertSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetSession(ctx, "shop.example.com", "u1")
	if got.AccessToken != "a2" {
		t.Fatal("upsert 未覆盖旧值")
	}

	if _, err := s.GetSession(ctx, "shop.example.com", "nobody"); err == nil {
		t.Fatal("不存在的会话应报错")
	}
}

func TestCookiesRoundTrip(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()

	cookies := []model.Cookie{
		{Name: "access_token", Value: "a1", Domain: ".example.com"},
		{Name: "cf_clearance", Value: "cf1"},
	}
	if err := s.SaveCookies(ctx, "shop.example.com", "u1", cookies); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetCookies(ctx, "shop.example.com", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("cookie 数 = %d", len(got))
	}
	cm := model.CookieMap(got)
	if cm["access_token"] != "a1" || cm["cf_clearance"] != "cf1" {
		t.Fatalf("cookie 不符: %v", cm)
	}

	// 再存覆盖
	if err := s.SaveCookies(ctx, "shop.example.com", "u1", cookies[:1]); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetCookies(ctx, "shop.example.com", "u1")
	if len(got) != 1 {
		t.Fatalf("覆盖后 cookie 数 = %d", len(got))
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()

	// 未配置时返回零值不报错
	email, err := s.GetEmailSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if email.Enabled {
		t.Fatal("默认应为未启用")
	}

	email = model.EmailSettings{Enabled: true, Email: "a@qq.com", AuthCode: "code"}
	if err := s.SaveEmailSettings(ctx, email); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetEmailSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != email {
		t.Fatalf("email settings round-trip 不符: %+v", got)
	}

	hook := model.WebhookSettings{Enabled: true, URL: "https://hook.example.com", Events: map[string]bool{"bought": true}}
	if err := s.SaveWebhookSettings(ctx, hook); err != nil {
		t.Fatal(err)
	}
	gotHook, err := s.GetWebhookSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if gotHook.URL != hook.URL || len(gotHook.Events) != 1 {
		t.Fatalf("webhook settings round-trip 不符: %+v", gotHook)
	}
}
