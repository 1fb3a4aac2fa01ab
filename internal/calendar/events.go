package calendar

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"estrader/internal/logger"
)

// Event 是一条经济数据发布。DateTime 为交易时区的本地时间（ISO 格式，可不带时区）。
type Event struct {
	Name        string  `json:"name" yaml:"name"`
	DateTime    string  `json:"datetime" yaml:"datetime"`
	Severity    string  `json:"severity" yaml:"severity"`
	Forecast    *string `json:"forecast" yaml:"forecast"`
	Previous    *string `json:"previous" yaml:"previous"`
	Actual      *string `json:"actual" yaml:"actual"`
	Description string  `json:"market_impact_description,omitempty" yaml:"market_impact_description"`
}

var eventLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// At 在 loc 中解析事件时间。
func (e Event) At(loc *time.Location) (time.Time, error) {
	raw := strings.TrimSpace(e.DateTime)
	for _, layout := range eventLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("event %q: bad datetime %q", e.Name, e.DateTime)
}

type EventFile struct {
	weekHeader
	Events []Event `json:"events"`
}

// UpcomingEvent 带有距离现在的分钟数（负数表示已经发布）。
type UpcomingEvent struct {
	Event
	Time         time.Time `json:"time"`
	MinutesUntil float64   `json:"minutes_until"`
}

func (u UpcomingEvent) String() string {
	when := fmt.Sprintf("in %.0fm", u.MinutesUntil)
	if u.MinutesUntil < 0 {
		when = fmt.Sprintf("%.0fm ago", -u.MinutesUntil)
	}
	return fmt.Sprintf("%s %s (%s) %s", u.Time.Format("15:04"), u.Name, u.Severity, when)
}

type Events struct {
	mu    sync.RWMutex
	path  string
	loc   *time.Location
	file  EventFile
	nowFn func() time.Time
}

func NewEvents(path string, loc *time.Location) *Events {
	if loc == nil {
		loc = time.Local
	}
	return &Events{path: path, loc: loc, nowFn: time.Now}
}

func (e *Events) SetClock(fn func() time.Time) {
	if fn != nil {
		e.nowFn = fn
	}
}

func (e *Events) Load() error {
	var f EventFile
	ok, err := loadJSON(e.path, &f)
	if err != nil || !ok {
		return err
	}
	e.mu.Lock()
	e.file = f
	e.mu.Unlock()
	logger.Infof("[calendar] 加载经济事件缓存 %s~%s，共 %d 条", f.WeekStart, f.WeekEnd, len(f.Events))
	return nil
}

func (e *Events) IsFresh(today time.Time) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.file.fresh(today.In(e.loc))
}

// Refresh 整周替换事件列表；没有严重度的事件记为 Medium。
func (e *Events) Refresh(events []Event, weekOf time.Time) error {
	start, end := TradingWeek(weekOf.In(e.loc))
	cleaned := make([]Event, 0, len(events))
	for _, ev := range events {
		if _, err := ev.At(e.loc); err != nil {
			logger.Warnf("[calendar] 跳过事件: %v", err)
			continue
		}
		if strings.TrimSpace(ev.Severity) == "" {
			ev.Severity = "Medium"
		}
		cleaned = append(cleaned, ev)
	}
	f := EventFile{
		weekHeader: weekHeader{
			FetchTimestamp: e.nowFn(),
			WeekStart:      start.Format("2006-01-02"),
			WeekEnd:        end.Format("2006-01-02"),
		},
		Events: cleaned,
	}
	if err := saveJSON(e.path, f); err != nil {
		return err
	}
	e.mu.Lock()
	e.file = f
	e.mu.Unlock()
	return nil
}

func (e *Events) Week() EventFile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := e.file
	out.Events = append([]Event(nil), e.file.Events...)
	return out
}

// Upcoming 返回 [now-after, now+before] 区间内、严重度在 severities 中的事件，按时间排序。
func (e *Events) Upcoming(now time.Time, minutesBefore, minutesAfter int, severities []string) []UpcomingEvent {
	allowed := make(map[string]bool, len(severities))
	for _, s := range severities {
		allowed[strings.ToLower(strings.TrimSpace(s))] = true
	}
	e.mu.RLock()
	events := e.file.Events
	e.mu.RUnlock()

	var out []UpcomingEvent
	for _, ev := range events {
		if len(allowed) > 0 && !allowed[strings.ToLower(ev.Severity)] {
			continue
		}
		at, err := ev.At(e.loc)
		if err != nil {
			continue
		}
		diff := at.Sub(now).Minutes()
		if diff < -float64(minutesAfter) || diff > float64(minutesBefore) {
			continue
		}
		out = append(out, UpcomingEvent{Event: ev, Time: at, MinutesUntil: math.Round(diff*10) / 10})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}
