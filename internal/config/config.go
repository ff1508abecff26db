package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"autobuy/internal/limiter"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Limits  LimitsConfig  `yaml:"limits"`
	Sites   SitesConfig   `yaml:"sites"`
}

type ServerConfig struct {
	Addr string     `yaml:"addr"`
	Cors CorsConfig `yaml:"cors"`
}

type CorsConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlitePath"`
	EventDir   string `yaml:"eventDir"`
	MaxHistory int    `yaml:"maxHistory"`
}

type ProxyConfig struct {
	Global string `yaml:"global"`
}

// LimitsConfig 全局限速 + 账号自适应限流的初始参数。
// 账号级的延时档位在各站点配置里，这里只管进程级的总闸。
type LimitsConfig struct {
	GlobalQPS   float64 `yaml:"globalQPS"`
	GlobalBurst int     `yaml:"globalBurst"`

	MinDelayMs      int     `yaml:"minDelayMs"`
	MaxDelayMs      int     `yaml:"maxDelayMs"`
	BackoffFactor   float64 `yaml:"backoffFactor"`
	RecoveryFactor  float64 `yaml:"recoveryFactor"`
	RecoveryAfter   int     `yaml:"recoveryAfter"`
	PauseThreshold  int     `yaml:"pauseThreshold"`
	PauseWindowSec  int     `yaml:"pauseWindowSec"`
	PauseDurationSec int    `yaml:"pauseDurationSec"`
}

// LimiterOptions 把 yaml 的毫秒/秒字段翻译成 limiter.Options，零值走库默认。
func (c LimitsConfig) LimiterOptions() limiter.Options {
	opts := limiter.DefaultOptions()
	if c.MinDelayMs > 0 {
		opts.MinDelay = time.Duration(c.MinDelayMs) * time.Millisecond
	}
	if c.MaxDelayMs > 0 {
		opts.MaxDelay = time.Duration(c.MaxDelayMs) * time.Millisecond
	}
	if c.BackoffFactor > 0 {
		opts.BackoffFactor = c.BackoffFactor
	}
	if c.RecoveryFactor > 0 {
		opts.RecoveryFactor = c.RecoveryFactor
	}
	if c.RecoveryAfter > 0 {
		opts.RecoveryAfter = c.RecoveryAfter
	}
	if c.PauseThreshold > 0 {
		opts.PauseThreshold = c.PauseThreshold
	}
	if c.PauseWindowSec > 0 {
		opts.PauseWindow = time.Duration(c.PauseWindowSec) * time.Second
	}
	if c.PauseDurationSec > 0 {
		opts.PauseDuration = time.Duration(c.PauseDurationSec) * time.Second
	}
	return opts
}

type SitesConfig struct {
	Dir          string `yaml:"dir"`
	OverridePath string `yaml:"overridePath"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default 不读文件，全默认值，mock/测试场景用。
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./data/autobuy.db"
	}
	if c.Storage.EventDir == "" {
		c.Storage.EventDir = "./data/events"
	}
	if c.Storage.MaxHistory <= 0 {
		c.Storage.MaxHistory = 10000
	}
	if c.Limits.GlobalQPS <= 0 {
		c.Limits.GlobalQPS = 20
	}
	if c.Limits.GlobalBurst <= 0 {
		c.Limits.GlobalBurst = 10
	}
	if c.Sites.Dir == "" {
		c.Sites.Dir = "./sites"
	}
	if c.Sites.OverridePath == "" {
		c.Sites.OverridePath = "./config.override.json"
	}
}

func (c Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Sites.Dir == "" {
		return errors.New("sites.dir is required")
	}
	return nil
}
