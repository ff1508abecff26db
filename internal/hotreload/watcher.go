package hotreload

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"autobuy/internal/logbus"
)

const pollInterval = 1500 * time.Millisecond

// Applier 能接收热更新补丁的对象（引擎 / 站点），返回实际生效的键。
type Applier interface {
	ApplyPatch(patch map[string]json.RawMessage) []string
}

// Watcher 轮询 override 文件的修改时间，变化时把各站点的补丁下发给订阅者。
// 不用 inotify：1.5s 的轮询对这个场景足够，还省掉平台差异。
type Watcher struct {
	path string
	bus  *logbus.Bus

	mu      sync.Mutex
	subs    map[string][]Applier
	lastMod time.Time
}

func NewWatcher(path string, bus *logbus.Bus) *Watcher {
	return &Watcher{
		path: path,
		bus:  bus,
		subs: make(map[string][]Applier),
	}
}

func (w *Watcher) Subscribe(siteID string, a Applier) {
	w.mu.Lock()
	w.subs[siteID] = append(w.subs[siteID], a)
	w.mu.Unlock()
}

func (w *Watcher) Unsubscribe(siteID string) {
	w.mu.Lock()
	delete(w.subs, siteID)
	w.mu.Unlock()
}

// Start 启动轮询协程，ctx 取消后退出。
func (w *Watcher) Start(ctx context.Context) {
	// 启动时记住当前 mtime，已有的 override 在加载站点时就应用过了
	if info, err := os.Stat(w.path); err == nil {
		w.mu.Lock()
		w.lastMod = info.ModTime()
		w.mu.Unlock()
	}

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.poll()
			}
		}
	}()
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		return // 文件不存在不是错误，删掉 override 就是不覆盖
	}
	w.mu.Lock()
	changed := info.ModTime().After(w.lastMod)
	if changed {
		w.lastMod = info.ModTime()
	}
	w.mu.Unlock()
	if !changed {
		return
	}
	if err := w.Apply(); err != nil {
		w.log("warn", "override 文件应用失败: "+err.Error())
	}
}

// Apply 立即读取 override 文件并下发补丁（写保存接口后也会主动调一次）。
func (w *Watcher) Apply() error {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	var overrides map[string]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &overrides); err != nil {
		return fmt.Errorf("解析 %s 失败: %w", w.path, err)
	}

	w.mu.Lock()
	subs := make(map[string][]Applier, len(w.subs))
	for k, v := range w.subs {
		subs[k] = append([]Applier(nil), v...)
	}
	w.mu.Unlock()

	for siteID, patch := range overrides {
		for _, a := range subs[siteID] {
			if changed := a.ApplyPatch(patch); len(changed) > 0 {
				w.log("info", fmt.Sprintf("[%s] 热更新生效: %s", siteID, strings.Join(changed, ", ")))
			}
		}
	}
	return nil
}

func (w *Watcher) log(level, msg string) {
	if w.bus != nil {
		w.bus.Log(level, msg, nil)
	}
}
