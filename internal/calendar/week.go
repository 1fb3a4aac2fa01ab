// Package calendar 缓存本交易周的节假日与经济事件，并在后台按周刷新。
package calendar

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"estrader/internal/window"
)

// TradingWeek 返回 t 所在交易周的周日与周五（按日历日期，t 的时区）。
// 周六归属前一个周日开始的那一周，因此周六时缓存必然过期。
func TradingWeek(t time.Time) (time.Time, time.Time) {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	back := int(day.Weekday()) // Sunday=0
	if day.Weekday() == time.Saturday {
		back = 6
	}
	start := day.AddDate(0, 0, -back)
	return start, start.AddDate(0, 0, 5)
}

// weekHeader 是两类缓存文件共有的头部。
type weekHeader struct {
	FetchTimestamp time.Time `json:"fetch_timestamp"`
	WeekStart      string    `json:"week_start"`
	WeekEnd        string    `json:"week_end"`
}

// fresh 判断缓存的周边界是否与 today 所在交易周一致。
func (h weekHeader) fresh(today time.Time) bool {
	if h.WeekStart == "" {
		return false
	}
	start, end := TradingWeek(today)
	return h.WeekStart == window.DateKey(start) && h.WeekEnd == window.DateKey(end) &&
		!dateOnly(today).After(end)
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func loadJSON(path string, v any) (bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

// saveJSON 先写临时文件再 rename，避免读到半个文件。
func saveJSON(path string, v any) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
