package session

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// decodeClaims 解出 JWT payload，不校验签名——只关心过期时间和声明字段。
func decodeClaims(token string) map[string]any {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return nil
	}
	var claims map[string]any
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil
	}
	return claims
}

// tokenValid 判断 token 在 buffer 余量内是否仍有效。
// 解析失败、缺少 exp 一律按失效处理，宁可多刷新一次。
func tokenValid(token string, buffer time.Duration, now time.Time) bool {
	claims := decodeClaims(token)
	if claims == nil {
		return false
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return false
	}
	return time.Unix(int64(exp), 0).After(now.Add(buffer))
}

func tokenClaim(token, field string) string {
	claims := decodeClaims(token)
	if claims == nil {
		return ""
	}
	switch v := claims[field].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
