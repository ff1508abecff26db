package site

import (
	"math"
	"sync"
	"time"
)

const adaptiveMaxScale = 8.0

// WithAdaptiveCooldown 在站点级别再叠一层粗粒度的自适应：连续 429 时冷却时间
// 每次 ×1.5（封顶 8 倍基准），请求正常则按同样倍率回落，连击清零后回到基准值。
// 这层和账号级 AccountLimiter 独立，作用域不同（全站 vs 单账号）。
func WithAdaptiveCooldown(s *Site) *Site {
	var (
		mu     sync.Mutex
		streak int
	)
	orig := s.isRateLimit

	s.isRateLimit = func(res Response) bool {
		hit := orig(res)
		mu.Lock()
		if hit {
			streak++
		} else if streak > 0 {
			streak--
		}
		mu.Unlock()
		return hit
	}

	base := s.cooldown
	s.cooldown = func() time.Duration {
		mu.Lock()
		defer mu.Unlock()
		if streak == 0 {
			return base()
		}
		scale := math.Pow(1.5, float64(streak))
		if scale > adaptiveMaxScale {
			scale = adaptiveMaxScale
		}
		return time.Duration(float64(base()) * scale)
	}
	return s
}
