// Package text 提供日志与通知使用的字符串裁剪。
package text

import "strings"

// Truncate 按字符（非字节）截断，超出时追加 "..."。
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

// OneLine 折叠所有空白为单个空格后截断，适合单行日志。
func OneLine(s string, max int) string {
	return Truncate(strings.Join(strings.Fields(s), " "), max)
}
