package logbus

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEventLogRoundTrip(t *testing.T) {
	l := NewEventLog(t.TempDir())

	l.Buy("demo", "u1", "sku1", 2.5)
	l.RateLimit("demo", "u1", 10*time.Second)
	l.EngineStop("demo", "u1", "force_stop")

	events := l.ReadEvents(1)
	if len(events) != 3 {
		t.Fatalf("事件数 = %d, want 3", len(events))
	}
	if events[0].Type != "buy" || events[0].Price != 2.5 || events[0].ItemID != "sku1" {
		t.Fatalf("buy 事件不符: %+v", events[0])
	}
	if events[1].Cooldown != 10000 {
		t.Fatalf("cooldownMs = %d", events[1].Cooldown)
	}
	if events[2].Reason != "force_stop" {
		t.Fatalf("reason = %q", events[2].Reason)
	}
}

func TestReadEventsSkipsBadLines(t *testing.T) {
	dir := t.TempDir()
	l := NewEventLog(dir)
	l.Buy("demo", "u1", "sku1", 1)

	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("{not json}\n")
	_ = f.Close()
	l.Buy("demo", "u1", "sku2", 2)

	events := l.ReadEvents(1)
	if len(events) != 2 {
		t.Fatalf("坏行应跳过, 事件数 = %d", len(events))
	}
}

func TestGetStatsAggregates(t *testing.T) {
	l := NewEventLog(t.TempDir())

	l.Buy("demo", "u1", "a", 2)
	l.Buy("demo", "u1", "b", 3)
	l.Buy("demo", "u2", "c", 5)
	l.RateLimit("demo", "u1", time.Second)
	l.EngineRestart("demo", "u2", 1)
	l.Stock("demo", "u1", 4)
	l.Stock("demo", "u1", 6)

	stats := l.GetStats(1)
	if stats.TotalBuys != 3 || stats.TotalSpent != 10 {
		t.Fatalf("总计不符: %+v", stats)
	}
	if stats.TotalRateLimits != 1 || stats.TotalRestarts != 1 {
		t.Fatalf("限流/重启计数不符: %+v", stats)
	}

	u1 := stats.ByAccount["u1"]
	if u1.Buys != 2 || u1.Spent != 5 || u1.RateLimits != 1 {
		t.Fatalf("u1 聚合不符: %+v", u1)
	}
	u2 := stats.ByAccount["u2"]
	if u2.Buys != 1 || u2.Restarts != 1 {
		t.Fatalf("u2 聚合不符: %+v", u2)
	}

	// 事件几乎同时写入，正常落在同一个小时桶里；跨整点时最多两个
	var buys int
	for _, h := range stats.HourlyStock {
		buys += h.Buys
	}
	if buys != 3 {
		t.Fatalf("小时桶购买总数 = %d, want 3", buys)
	}
}

func TestGetStatsEmptyLog(t *testing.T) {
	l := NewEventLog(t.TempDir())
	stats := l.GetStats(7)
	if stats.TotalBuys != 0 || len(stats.ByAccount) != 0 {
		t.Fatalf("空日志统计不符: %+v", stats)
	}
	if stats.Days != 7 {
		t.Fatalf("Days = %d", stats.Days)
	}
}
