package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "server:\n  addr: \":9000\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Fatalf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Storage.SQLitePath != "./data/autobuy.db" {
		t.Fatalf("SQLitePath 默认值 = %q", cfg.Storage.SQLitePath)
	}
	if cfg.Storage.MaxHistory != 10000 {
		t.Fatalf("MaxHistory 默认值 = %d", cfg.Storage.MaxHistory)
	}
	if cfg.Limits.GlobalQPS != 20 || cfg.Limits.GlobalBurst != 10 {
		t.Fatalf("全局限速默认值 = %v/%v", cfg.Limits.GlobalQPS, cfg.Limits.GlobalBurst)
	}
	if cfg.Sites.Dir != "./sites" || cfg.Sites.OverridePath != "./config.override.json" {
		t.Fatalf("站点目录默认值 = %+v", cfg.Sites)
	}
}

func TestLoadRejectsMissingFileAndBadYAML(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("缺文件应报错")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "server: [broken")
	if _, err := Load(path); err == nil {
		t.Fatal("坏 YAML 应报错")
	}
}

func TestLimiterOptionsTranslation(t *testing.T) {
	c := LimitsConfig{
		MinDelayMs:       20,
		MaxDelayMs:       5000,
		BackoffFactor:    3,
		PauseThreshold:   7,
		PauseWindowSec:   30,
		PauseDurationSec: 90,
	}
	opts := c.LimiterOptions()
	if opts.MinDelay != 20*time.Millisecond || opts.MaxDelay != 5*time.Second {
		t.Fatalf("延时翻译不符: %+v", opts)
	}
	if opts.BackoffFactor != 3 || opts.PauseThreshold != 7 {
		t.Fatalf("参数翻译不符: %+v", opts)
	}
	if opts.PauseWindow != 30*time.Second || opts.PauseDuration != 90*time.Second {
		t.Fatalf("窗口翻译不符: %+v", opts)
	}
	// 未设的字段走库默认
	if opts.RecoveryAfter != 5 {
		t.Fatalf("RecoveryAfter 应为默认 5, got %d", opts.RecoveryAfter)
	}
}

const goodSite = `{
  "id": "demo",
  "hostname": "shop.example.com",
  "maxPrice": 5,
  "api": {"list": {"path": "/api/items"}}
}`

func TestLoadSitesSkipsBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.json"), goodSite)
	writeFile(t, filepath.Join(dir, "broken.json"), "{not json")
	writeFile(t, filepath.Join(dir, "empty.json"), "")
	writeFile(t, filepath.Join(dir, "nohost.json"), `{"id": "x"}`)
	writeFile(t, filepath.Join(dir, "readme.txt"), "ignored")

	sites, err := LoadSites(dir, "", nil)
	if err != nil {
		t.Fatalf("LoadSites: %v", err)
	}
	if len(sites) != 1 {
		t.Fatalf("站点数 = %d, want 1（坏文件跳过）", len(sites))
	}
	if sites[0].ID != "demo" {
		t.Fatalf("ID = %q", sites[0].ID)
	}
}

func TestLoadSitesMergesOverride(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "demo.json"), goodSite)

	overridePath := filepath.Join(t.TempDir(), "override.json")
	writeFile(t, overridePath, `{
	  "demo": {
	    "maxPrice": 9.5,
	    "hostname": "evil.example.com"
	  }
	}`)

	sites, err := LoadSites(dir, overridePath, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(sites) != 1 {
		t.Fatalf("站点数 = %d", len(sites))
	}
	rt := sites[0].Runtime()
	if rt.MaxPrice != 9.5 {
		t.Fatalf("override 未生效: MaxPrice = %v", rt.MaxPrice)
	}
	if sites[0].Hostname != "shop.example.com" {
		t.Fatal("白名单外的 hostname 被覆盖了")
	}
}

func TestSaveOverrideFiltersAndMerges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "override.json")

	err := SaveOverride(path, "demo", map[string]json.RawMessage{
		"maxPrice": json.RawMessage(`3`),
		"hostname": json.RawMessage(`"evil"`), // 白名单外
	})
	if err != nil {
		t.Fatalf("SaveOverride: %v", err)
	}
	// 二次保存合并而不是覆盖
	err = SaveOverride(path, "demo", map[string]json.RawMessage{
		"maxBuy": json.RawMessage(`2`),
	})
	if err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	section := got["demo"]
	if string(section["maxPrice"]) != "3" || string(section["maxBuy"]) != "2" {
		t.Fatalf("override 内容不符: %v", section)
	}
	if _, ok := section["hostname"]; ok {
		t.Fatal("白名单外的键不应落盘")
	}
}
