package site

import (
	"encoding/json"
	"time"
)

// Runtime 可热更新的分档配置快照。引擎持有 *Site 并在每个轮询周期开头调用
// Runtime() 取当前快照，整轮内不再变，ApplyPatch 用新快照整体替换而不是原地改字段。
type Runtime struct {
	MaxPrice       float64
	MaxBuy         int
	FetchLimit     int
	RetryNormal    time.Duration
	RetrySale      time.Duration
	Jitter         time.Duration
	Cooldown429    time.Duration
	EmptyThreshold int
	Version        int64
}

// RuntimeKeys 热更新白名单，override 文件里只有这些键会被下发到运行中的引擎。
var RuntimeKeys = []string{
	"maxPrice", "maxBuy", "fetchLimit",
	"retryNormal", "retrySale", "jitter", "cooldownAfter429", "emptyThreshold",
}

func (s *Site) Runtime() Runtime {
	return *s.runtime.Load()
}

// ApplyPatch 应用白名单内的键，返回实际变化的键名。非白名单键一律忽略。
func (s *Site) ApplyPatch(patch map[string]json.RawMessage) []string {
	cur := *s.runtime.Load()
	next := cur
	var changed []string

	num := func(raw json.RawMessage) (float64, bool) {
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return 0, false
		}
		return f, true
	}
	ms := func(raw json.RawMessage) (time.Duration, bool) {
		f, ok := num(raw)
		if !ok {
			return 0, false
		}
		return time.Duration(f) * time.Millisecond, true
	}

	for key, raw := range patch {
		switch key {
		case "maxPrice":
			if v, ok := num(raw); ok && v != next.MaxPrice {
				next.MaxPrice = v
				changed = append(changed, key)
			}
		case "maxBuy":
			if v, ok := num(raw); ok && int(v) != next.MaxBuy {
				next.MaxBuy = int(v)
				changed = append(changed, key)
			}
		case "fetchLimit":
			if v, ok := num(raw); ok && int(v) != next.FetchLimit {
				next.FetchLimit = int(v)
				changed = append(changed, key)
			}
		case "retryNormal":
			if v, ok := ms(raw); ok && v != next.RetryNormal {
				next.RetryNormal = v
				changed = append(changed, key)
			}
		case "retrySale":
			if v, ok := ms(raw); ok && v != next.RetrySale {
				next.RetrySale = v
				changed = append(changed, key)
			}
		case "jitter":
			if v, ok := ms(raw); ok && v != next.Jitter {
				next.Jitter = v
				changed = append(changed, key)
			}
		case "cooldownAfter429":
			if v, ok := ms(raw); ok && v != next.Cooldown429 {
				next.Cooldown429 = v
				changed = append(changed, key)
			}
		case "emptyThreshold":
			if v, ok := num(raw); ok && int(v) != next.EmptyThreshold {
				next.EmptyThreshold = int(v)
				changed = append(changed, key)
			}
		}
	}

	if len(changed) > 0 {
		next.Version = cur.Version + 1
		s.runtime.Store(&next)
	}
	return changed
}
