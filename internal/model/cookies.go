package model

import (
	"net/http"
	"time"
)

// Cookie 浏览器登录后落库的 cookie，作为 token 记录缺失时的回退来源。
type Cookie struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	Path    string `json:"path,omitempty"`
	Domain  string `json:"domain,omitempty"`
	Expires int64  `json:"expires,omitempty"`
	Secure  bool   `json:"secure,omitempty"`
}

func CookiesFromHTTP(in []*http.Cookie) []Cookie {
	out := make([]Cookie, 0, len(in))
	for _, c := range in {
		var expires int64
		if !c.Expires.IsZero() {
			expires = c.Expires.UnixMilli()
		}
		out = append(out, Cookie{
			Name:    c.Name,
			Value:   c.Value,
			Path:    c.Path,
			Domain:  c.Domain,
			Expires: expires,
			Secure:  c.Secure,
		})
	}
	return out
}

func CookiesToHTTP(in []Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		hc := &http.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Path:   c.Path,
			Domain: c.Domain,
			Secure: c.Secure,
		}
		if c.Expires > 0 {
			hc.Expires = time.UnixMilli(c.Expires)
		}
		out = append(out, hc)
	}
	return out
}

// CookieMap name → value，便于按固定名字取 token。
func CookieMap(in []Cookie) map[string]string {
	m := make(map[string]string, len(in))
	for _, c := range in {
		m[c.Name] = c.Value
	}
	return m
}
