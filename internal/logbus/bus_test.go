package logbus

import (
	"testing"
	"time"
)

func TestPublishKeepsRecentInSnapshot(t *testing.T) {
	b := New(3)
	for i := 0; i < 5; i++ {
		b.Publish("log", i)
	}
	snap := b.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("环形缓冲留 %d 条, want 3", len(snap))
	}
	if snap[0].Data != 2 || snap[2].Data != 4 {
		t.Fatalf("应保留最新的 3 条: %v", snap)
	}
}

func TestSubscribeReceivesLive(t *testing.T) {
	b := New(10)
	ch, cancel := b.Subscribe(4)
	defer cancel()

	b.Log("info", "hello", map[string]any{"k": "v"})
	select {
	case msg := <-ch:
		if msg.Type != "log" {
			t.Fatalf("Type = %q", msg.Type)
		}
		data, ok := msg.Data.(LogData)
		if !ok || data.Msg != "hello" || data.Level != "info" {
			t.Fatalf("Data = %+v", msg.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("未收到消息")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New(10)
	ch, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish("log", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("慢订阅者阻塞了发布")
	}
	_ = ch
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New(10)
	ch, cancel := b.Subscribe(4)
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("取消后通道应关闭")
	}
	b.Publish("log", 1) // 不 panic 即可
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New(10)
	ch, _ := b.Subscribe(4)
	b.Close()
	b.Close()

	if _, ok := <-ch; ok {
		t.Fatal("Close 后订阅通道应关闭")
	}
	b.Publish("log", 1)
	if got := b.Snapshot(); len(got) != 0 {
		t.Fatal("Close 后不应再记录")
	}
}
