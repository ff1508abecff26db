package hotreload

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeApplier struct {
	mu      sync.Mutex
	patches []map[string]json.RawMessage
}

func (f *fakeApplier) ApplyPatch(patch map[string]json.RawMessage) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patch)
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	return keys
}

func (f *fakeApplier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.patches)
}

func writeOverride(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestApplyDispatchesPerSite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "override.json")
	writeOverride(t, path, `{
	  "demo":  {"maxPrice": 3},
	  "other": {"maxBuy": 2}
	}`)

	demo := &fakeApplier{}
	other := &fakeApplier{}
	w := NewWatcher(path, nil)
	w.Subscribe("demo", demo)
	w.Subscribe("other", other)

	if err := w.Apply(); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if demo.count() != 1 || other.count() != 1 {
		t.Fatalf("下发次数 = %d/%d, want 1/1", demo.count(), other.count())
	}
	if string(demo.patches[0]["maxPrice"]) != "3" {
		t.Fatalf("demo 补丁不符: %v", demo.patches[0])
	}
	if _, ok := other.patches[0]["maxBuy"]; !ok {
		t.Fatalf("other 补丁不符: %v", other.patches[0])
	}
}

func TestApplyErrorsOnBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "override.json")
	writeOverride(t, path, "{broken")
	w := NewWatcher(path, nil)
	if err := w.Apply(); err == nil {
		t.Fatal("坏 JSON 应报错")
	}

	if err := NewWatcher(filepath.Join(t.TempDir(), "nope.json"), nil).Apply(); err == nil {
		t.Fatal("缺文件应报错")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "override.json")
	writeOverride(t, path, `{"demo": {"maxPrice": 3}}`)

	a := &fakeApplier{}
	w := NewWatcher(path, nil)
	w.Subscribe("demo", a)
	w.Unsubscribe("demo")

	if err := w.Apply(); err != nil {
		t.Fatal(err)
	}
	if a.count() != 0 {
		t.Fatal("退订后仍收到补丁")
	}
}

func TestPollDetectsModification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "override.json")
	writeOverride(t, path, `{"demo": {"maxPrice": 3}}`)

	a := &fakeApplier{}
	w := NewWatcher(path, nil)
	w.Subscribe("demo", a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	// 启动时记住的 mtime 不触发下发
	w.poll()
	if a.count() != 0 {
		t.Fatal("未修改不应下发")
	}

	// 改内容并把 mtime 推到未来，绕开文件系统的秒级精度
	writeOverride(t, path, `{"demo": {"maxPrice": 4}}`)
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	w.poll()
	if a.count() != 1 {
		t.Fatalf("修改后应下发一次, got %d", a.count())
	}
	// 同一 mtime 不重复下发
	w.poll()
	if a.count() != 1 {
		t.Fatal("mtime 未变不应重复下发")
	}
}
