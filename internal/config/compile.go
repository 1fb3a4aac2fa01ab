package config

import (
	"fmt"
	"strings"
	"time"

	"estrader/internal/scheduler"
	"estrader/internal/window"
)

// Location 返回交易时段所在时区。
func (s SessionConfig) Location() (*time.Location, error) {
	name := strings.TrimSpace(s.Timezone)
	if name == "" {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

// TradingWindow 将字符串配置编译为时段模型。
func (s SessionConfig) TradingWindow() (window.TradingWindow, error) {
	var w window.TradingWindow
	var err error
	if w.Begin, err = window.ParseClock(s.BeginTime); err != nil {
		return w, fmt.Errorf("session.begin_time: %w", err)
	}
	if w.End, err = window.ParseClock(s.EndTime); err != nil {
		return w, fmt.Errorf("session.end_time: %w", err)
	}
	for _, raw := range s.NoNewTrades {
		r, err := window.ParseRange(raw)
		if err != nil {
			return w, fmt.Errorf("session.no_new_trades: %w", err)
		}
		w.NoNewTrades = append(w.NoNewTrades, r)
	}
	if strings.TrimSpace(s.ForceCloseTime) != "" {
		fc, err := window.ParseClock(s.ForceCloseTime)
		if err != nil {
			return w, fmt.Errorf("session.force_close_time: %w", err)
		}
		if !w.Session().Contains(fc) {
			return w, fmt.Errorf("session.force_close_time %s outside session %s", fc, w.Session())
		}
		w.ForceClose = &fc
	}
	return w, nil
}

// ScheduleTable 编译分时间隔表。
func (s SessionConfig) ScheduleTable() (scheduler.Table, error) {
	table := make(scheduler.Table, 0, len(s.Schedule))
	for _, rule := range s.Schedule {
		r, err := scheduler.ParseRule(rule.Range, strings.ToLower(strings.TrimSpace(rule.Interval)))
		if err != nil {
			return nil, fmt.Errorf("session.schedule: %w", err)
		}
		table = append(table, r)
	}
	return table, nil
}

// Resolver 构造主循环使用的间隔解析器。
func (s SessionConfig) Resolver() (scheduler.Resolver, error) {
	table, err := s.ScheduleTable()
	if err != nil {
		return scheduler.Resolver{}, err
	}
	return scheduler.Resolver{
		Default:   time.Duration(s.DefaultIntervalSeconds) * time.Second,
		Immediate: time.Duration(s.ImmediateDelaySeconds) * time.Second,
		Table:     table,
	}, nil
}

func (s SessionConfig) CycleTimeout() time.Duration {
	return time.Duration(s.CycleTimeoutSeconds) * time.Second
}

func (s SessionConfig) PendingTimeout() time.Duration {
	return time.Duration(s.PendingTimeoutSeconds) * time.Second
}

// WindowOptions 返回节假日缓冲设置；未启用时缓冲为 0。
func (h HolidayConfig) WindowOptions() window.Options {
	return window.Options{
		Buffer:         time.Duration(h.BufferMinutes) * time.Minute,
		PostOpenBuffer: time.Duration(h.PostOpenBufferMinutes) * time.Minute,
	}
}

func (o OracleConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

func (b BrokerConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}
