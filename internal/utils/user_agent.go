package utils

import "strings"

const defaultBrowserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// DefaultBrowserUserAgent 返回默认的桌面浏览器 UA。
// API 请求带上它，和 rod 登录拿到的会话保持同一副面孔。
func DefaultBrowserUserAgent() string {
	return defaultBrowserUserAgent
}

// NormalizeBrowserUserAgent 把 UA 规范为桌面浏览器风格；入参为空或不像浏览器 UA 时返回默认值。
func NormalizeBrowserUserAgent(ua string) string {
	v := strings.TrimSpace(ua)
	if v == "" {
		return defaultBrowserUserAgent
	}
	if looksLikeBrowserUA(v) {
		return v
	}
	return defaultBrowserUserAgent
}

func looksLikeBrowserUA(ua string) bool {
	s := strings.ToLower(ua)
	if !strings.Contains(s, "mozilla/") {
		return false
	}
	return strings.Contains(s, "chrome") || strings.Contains(s, "safari") || strings.Contains(s, "firefox")
}
