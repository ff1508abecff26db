package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"autobuy/internal/logbus"
	"autobuy/internal/site"
)

// overrideKeys override 文件里允许覆盖的键。运行时键之外还放行几个
// 只在加载期生效的配置项。
var overrideKeys = func() map[string]bool {
	m := make(map[string]bool)
	for _, k := range site.RuntimeKeys {
		m[k] = true
	}
	for _, k := range []string{"pageTimeout", "loginPageUrl", "accounts"} {
		m[k] = true
	}
	return m
}()

// LoadSites 扫描目录下的 *.json 站点配置并编译。单个文件坏了只告警跳过，
// 绝不让一个写错的站点拖死整个进程。
func LoadSites(dir, overridePath string, bus *logbus.Bus) ([]*site.Site, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("读取站点目录 %s 失败: %w", dir, err)
	}

	overrides := loadOverrides(overridePath, bus)

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var sites []*site.Site
	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			warn(bus, fmt.Sprintf("跳过站点 %s: 读取失败: %v", name, err))
			continue
		}
		if len(raw) == 0 {
			warn(bus, fmt.Sprintf("跳过站点 %s: 文件为空", name))
			continue
		}

		var rawMap map[string]json.RawMessage
		if err := json.Unmarshal(raw, &rawMap); err != nil {
			warn(bus, fmt.Sprintf("跳过站点 %s: JSON 解析失败: %v", name, err))
			continue
		}

		// override 在编译前合入原始配置，白名单之外的键不认
		if id := siteIDOf(rawMap, name); id != "" {
			if patch, ok := overrides[id]; ok {
				for k, v := range patch {
					if overrideKeys[k] {
						rawMap[k] = v
					}
				}
				raw, _ = json.Marshal(rawMap)
			}
		}

		s, err := site.Build(raw)
		if err != nil {
			warn(bus, fmt.Sprintf("跳过站点 %s: %v", name, err))
			continue
		}
		sites = append(sites, site.WithAdaptiveCooldown(s))
	}
	return sites, nil
}

func siteIDOf(rawMap map[string]json.RawMessage, filename string) string {
	for _, key := range []string{"id", "hostname"} {
		if v, ok := rawMap[key]; ok {
			var s string
			if json.Unmarshal(v, &s) == nil && s != "" {
				return s
			}
		}
	}
	return strings.TrimSuffix(filename, ".json")
}

func loadOverrides(path string, bus *logbus.Bus) map[string]map[string]json.RawMessage {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var overrides map[string]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &overrides); err != nil {
		warn(bus, fmt.Sprintf("override 文件 %s 解析失败，忽略: %v", path, err))
		return nil
	}
	return overrides
}

// SaveOverride 把补丁合并进 override 文件并原子落盘。白名单外的键丢弃。
func SaveOverride(path, siteID string, patch map[string]json.RawMessage) error {
	overrides := loadOverrides(path, nil)
	if overrides == nil {
		overrides = make(map[string]map[string]json.RawMessage)
	}
	section := overrides[siteID]
	if section == nil {
		section = make(map[string]json.RawMessage)
	}
	for k, v := range patch {
		if overrideKeys[k] {
			section[k] = v
		}
	}
	overrides[siteID] = section

	out, err := json.MarshalIndent(overrides, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func warn(bus *logbus.Bus, msg string) {
	if bus != nil {
		bus.Log("warn", msg, nil)
	}
}
