package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"gopkg.in/yaml.v3"

	"estrader/internal/window"
)

// HolidaySource 提供一个交易周的节假日条目。
type HolidaySource interface {
	FetchHolidays(ctx context.Context, start, end time.Time) ([]window.HolidayEntry, error)
}

// EventSource 提供一个交易周的经济事件。
type EventSource interface {
	FetchEvents(ctx context.Context, start, end time.Time) ([]Event, error)
}

// holidayDTO 是外部数据源中的节假日格式，时间为 "HH:MM" 字符串。
type holidayDTO struct {
	Date       string `json:"date" yaml:"date"`
	Type       string `json:"type" yaml:"type"`
	OpenTime   string `json:"open_time" yaml:"open_time"`
	CloseTime  string `json:"close_time" yaml:"close_time"`
	HaltTime   string `json:"halt_time" yaml:"halt_time"`
	ReopenTime string `json:"reopen_time" yaml:"reopen_time"`
	Notes      string `json:"notes" yaml:"notes"`
}

type feedDoc struct {
	Holidays []holidayDTO `json:"holidays" yaml:"holidays"`
	Events   []Event      `json:"events" yaml:"events"`
}

func (d holidayDTO) entry() (window.HolidayEntry, error) {
	if _, err := time.Parse(window.DateLayout, strings.TrimSpace(d.Date)); err != nil {
		return window.HolidayEntry{}, fmt.Errorf("holiday date %q: %w", d.Date, err)
	}
	e := window.HolidayEntry{
		Date:  strings.TrimSpace(d.Date),
		Kind:  window.HolidayKind(strings.ToLower(strings.TrimSpace(d.Type))),
		Notes: d.Notes,
	}
	switch e.Kind {
	case "", window.KindNormal, window.KindClosed, window.KindEarlyClose, window.KindHaltReopen:
	default:
		return window.HolidayEntry{}, fmt.Errorf("holiday %s: unknown type %q", d.Date, d.Type)
	}
	var err error
	for _, f := range []struct {
		raw string
		dst **window.Clock
	}{
		{d.OpenTime, &e.OpenTime},
		{d.CloseTime, &e.CloseTime},
		{d.HaltTime, &e.HaltTime},
		{d.ReopenTime, &e.ReopenTime},
	} {
		if *f.dst, err = optionalClock(f.raw); err != nil {
			return window.HolidayEntry{}, fmt.Errorf("holiday %s: %w", d.Date, err)
		}
	}
	return e.Normalize(), nil
}

func optionalClock(raw string) (*window.Clock, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	c, err := window.ParseClock(raw)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func convertHolidays(in []holidayDTO, start, end time.Time) ([]window.HolidayEntry, error) {
	out := make([]window.HolidayEntry, 0, len(in))
	for _, d := range in {
		e, err := d.entry()
		if err != nil {
			return nil, err
		}
		if e.Date < window.DateKey(start) || e.Date > window.DateKey(end) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func eventsInWeek(in []Event, start, end time.Time) []Event {
	out := make([]Event, 0, len(in))
	for _, ev := range in {
		at, err := ev.At(start.Location())
		if err != nil {
			continue
		}
		if d := dateOnly(at); d.Before(start) || d.After(end) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// FileSource 从本地 YAML/JSON 文件读取日历（人工维护或其他工具导出）。
type FileSource struct {
	Path string
}

func (f FileSource) read() (feedDoc, error) {
	var doc feedDoc
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return doc, fmt.Errorf("read calendar source: %w", err)
	}
	switch strings.ToLower(filepath.Ext(f.Path)) {
	case ".json":
		err = json.Unmarshal(raw, &doc)
	default:
		err = yaml.Unmarshal(raw, &doc)
	}
	if err != nil {
		return doc, fmt.Errorf("decode %s: %w", f.Path, err)
	}
	return doc, nil
}

func (f FileSource) FetchHolidays(ctx context.Context, start, end time.Time) ([]window.HolidayEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	return convertHolidays(doc.Holidays, start, end)
}

func (f FileSource) FetchEvents(ctx context.Context, start, end time.Time) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	return eventsInWeek(doc.Events, start, end), nil
}

// HTTPSource 从 JSON 接口拉取日历，请求带 week_start/week_end 参数。
type HTTPSource struct {
	client *resty.Client
	url    string
}

func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json")
	return &HTTPSource{client: c, url: url}
}

func (h *HTTPSource) fetch(ctx context.Context, start, end time.Time) (feedDoc, error) {
	var doc feedDoc
	resp, err := h.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"week_start": window.DateKey(start),
			"week_end":   window.DateKey(end),
		}).
		SetResult(&doc).
		Get(h.url)
	if err != nil {
		return doc, fmt.Errorf("calendar feed: %w", err)
	}
	if resp.IsError() {
		return doc, fmt.Errorf("calendar feed: status %d", resp.StatusCode())
	}
	return doc, nil
}

func (h *HTTPSource) FetchHolidays(ctx context.Context, start, end time.Time) ([]window.HolidayEntry, error) {
	doc, err := h.fetch(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return convertHolidays(doc.Holidays, start, end)
}

func (h *HTTPSource) FetchEvents(ctx context.Context, start, end time.Time) ([]Event, error) {
	doc, err := h.fetch(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return eventsInWeek(doc.Events, start, end), nil
}
