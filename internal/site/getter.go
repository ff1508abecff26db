package site

import (
	"encoding/json"
	"strconv"
	"strings"
)

// getter 按点分路径从解码后的 JSON（map[string]any）里取值，找不到返回 fallback。
// 路径只在编译期拆分一次，调用期不再解析字符串。
func makeGetter(dotPath string, fallback any) func(any) any {
	keys := strings.Split(dotPath, ".")
	return func(v any) any {
		cur := v
		for _, k := range keys {
			m, ok := cur.(map[string]any)
			if !ok {
				return fallback
			}
			cur, ok = m[k]
			if !ok {
				return fallback
			}
		}
		if cur == nil {
			return fallback
		}
		return cur
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		// JSON 数字 id，去掉多余小数位
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	case nil:
		return ""
	default:
		return ""
	}
}

// Lookup 一次性的点路径取值，给 site 之外的调用方（session 池等）用。
// 热路径上应改用 makeGetter 预编译。
func Lookup(body any, dotPath string) any {
	return makeGetter(dotPath, nil)(body)
}

// LookupString 同 Lookup，结果转成字符串，取不到返回空串。
func LookupString(body any, dotPath string) string {
	return asString(Lookup(body, dotPath))
}

// FillTemplate 对外暴露的模板填充入口。
func FillTemplate(template any, vars map[string]string) any {
	return fillTemplate(template, vars)
}

// fillTemplate 递归替换 {key} 占位符，string 原地替换，map 逐项递归，其余原样返回。
func fillTemplate(template any, vars map[string]string) any {
	switch t := template.(type) {
	case string:
		out := t
		for k, v := range vars {
			out = strings.ReplaceAll(out, "{"+k+"}", v)
		}
		return out
	case map[string]any:
		filled := make(map[string]any, len(t))
		for k, v := range t {
			filled[k] = fillTemplate(v, vars)
		}
		return filled
	default:
		return template
	}
}
