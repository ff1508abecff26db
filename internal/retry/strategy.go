package retry

import (
	"math"
	"math/rand"
	"time"
)

// Strategy 负责计算第 n 次重试前要等待多久。
// 只维护内部的尝试计数，不负责 sleep，由调用方自己等待。
type Strategy struct {
	Name       string
	MaxRetries int

	fn      func(attempt int) time.Duration
	attempt int
}

type Config struct {
	Type       string        `json:"type" yaml:"type"`
	BaseDelay  time.Duration `json:"baseDelayMs" yaml:"baseDelayMs"`
	Increment  time.Duration `json:"incrementMs" yaml:"incrementMs"`
	Factor     float64       `json:"factor" yaml:"factor"`
	MaxDelay   time.Duration `json:"maxDelayMs" yaml:"maxDelayMs"`
	Jitter     time.Duration `json:"jitterMs" yaml:"jitterMs"`
	Steps      []time.Duration
	MaxRetries int `json:"maxRetries" yaml:"maxRetries"`
}

const defaultMaxRetries = 10

func jitterOf(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}

// NextDelay 递增尝试计数并返回本次应等待的时长。
func (s *Strategy) NextDelay() time.Duration {
	s.attempt++
	return s.fn(s.attempt)
}

func (s *Strategy) Reset()        { s.attempt = 0 }
func (s *Strategy) Attempt() int  { return s.attempt }
func (s *Strategy) HasRetriesLeft() bool {
	return s.attempt < s.MaxRetries
}

func Linear(cfg Config) *Strategy {
	base := cfg.BaseDelay
	if base <= 0 {
		base = 3 * time.Second
	}
	inc := cfg.Increment
	if inc <= 0 {
		inc = time.Second
	}
	max := cfg.MaxDelay
	if max <= 0 {
		max = time.Minute
	}
	return &Strategy{
		Name:       "linear",
		MaxRetries: maxRetriesOf(cfg),
		fn: func(attempt int) time.Duration {
			d := base + inc*time.Duration(attempt-1)
			if d > max {
				d = max
			}
			return d + jitterOf(cfg.Jitter)
		},
	}
}

func Exponential(cfg Config) *Strategy {
	base := cfg.BaseDelay
	if base <= 0 {
		base = 3 * time.Second
	}
	factor := cfg.Factor
	if factor <= 0 {
		factor = 2
	}
	max := cfg.MaxDelay
	if max <= 0 {
		max = time.Minute
	}
	return &Strategy{
		Name:       "exponential",
		MaxRetries: maxRetriesOf(cfg),
		fn: func(attempt int) time.Duration {
			d := time.Duration(float64(base) * math.Pow(factor, float64(attempt-1)))
			if d > max || d < 0 {
				d = max
			}
			return d + jitterOf(cfg.Jitter)
		},
	}
}

// Stepped 按固定阶梯取值，超过最后一档后停在最后一档。
func Stepped(steps []time.Duration, maxRetries int) *Strategy {
	if len(steps) == 0 {
		steps = []time.Duration{3 * time.Second, 6 * time.Second, 15 * time.Second, 30 * time.Second, time.Minute}
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Strategy{
		Name:       "stepped",
		MaxRetries: maxRetries,
		fn: func(attempt int) time.Duration {
			i := attempt - 1
			if i >= len(steps) {
				i = len(steps) - 1
			}
			return steps[i]
		},
	}
}

func FromConfig(cfg Config) *Strategy {
	switch cfg.Type {
	case "linear":
		return Linear(cfg)
	case "stepped":
		return Stepped(cfg.Steps, cfg.MaxRetries)
	default:
		return Exponential(cfg)
	}
}

func maxRetriesOf(cfg Config) int {
	if cfg.MaxRetries > 0 {
		return cfg.MaxRetries
	}
	return defaultMaxRetries
}

// Presets 常用重试档位，配置里写名字即可。
var Presets = map[string]Config{
	"aggressive": {Type: "exponential", BaseDelay: time.Second, Factor: 1.5, MaxDelay: 30 * time.Second, MaxRetries: 15, Jitter: 500 * time.Millisecond},
	"default":    {Type: "exponential", BaseDelay: 3 * time.Second, Factor: 2.0, MaxDelay: time.Minute, MaxRetries: 10},
	"patient":    {Type: "linear", BaseDelay: 5 * time.Second, Increment: 2 * time.Second, MaxDelay: time.Minute, MaxRetries: 8},
	"stepped": {Type: "stepped", MaxRetries: 10,
		Steps: []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second, time.Minute}},
}
