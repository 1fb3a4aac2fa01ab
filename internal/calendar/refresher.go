package calendar

import (
	"context"
	"errors"
	"time"

	"estrader/internal/logger"
)

// Refresher 定期检查缓存是否覆盖当前交易周，过期时从数据源重新拉取。
// 拉取失败时保留旧缓存，窗口计算会把它视为过期缓存。
type Refresher struct {
	Holidays      *Cache
	Events        *Events
	HolidaySource HolidaySource
	EventSource   EventSource
	Every         time.Duration
	nowFn         func() time.Time
}

func NewRefresher(h *Cache, e *Events, hs HolidaySource, es EventSource, every time.Duration) *Refresher {
	if every <= 0 {
		every = 6 * time.Hour
	}
	return &Refresher{Holidays: h, Events: e, HolidaySource: hs, EventSource: es, Every: every, nowFn: time.Now}
}

func (r *Refresher) SetClock(fn func() time.Time) {
	if fn != nil {
		r.nowFn = fn
	}
}

// RefreshNow 刷新过期的缓存；force 时无条件刷新。返回各部分错误的合并。
func (r *Refresher) RefreshNow(ctx context.Context, force bool) error {
	now := r.nowFn()
	var errs []error
	if r.Holidays != nil && r.HolidaySource != nil && (force || !r.Holidays.IsFresh(now)) {
		if err := r.refreshHolidays(ctx, now); err != nil {
			logger.Warnf("[calendar] 节假日刷新失败，沿用旧缓存: %v", err)
			errs = append(errs, err)
		}
	}
	if r.Events != nil && r.EventSource != nil && (force || !r.Events.IsFresh(now)) {
		if err := r.refreshEvents(ctx, now); err != nil {
			logger.Warnf("[calendar] 经济事件刷新失败，沿用旧缓存: %v", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Refresher) refreshHolidays(ctx context.Context, now time.Time) error {
	start, end := TradingWeek(now.In(r.Holidays.loc))
	entries, err := r.HolidaySource.FetchHolidays(ctx, start, end)
	if err != nil {
		return err
	}
	if err := r.Holidays.Refresh(entries, now); err != nil {
		return err
	}
	logger.Infof("[calendar] 节假日已刷新 %s~%s，特殊日期 %d 个", start.Format("01-02"), end.Format("01-02"), len(entries))
	return nil
}

func (r *Refresher) refreshEvents(ctx context.Context, now time.Time) error {
	start, end := TradingWeek(now.In(r.Events.loc))
	events, err := r.EventSource.FetchEvents(ctx, start, end)
	if err != nil {
		return err
	}
	if err := r.Events.Refresh(events, now); err != nil {
		return err
	}
	logger.Infof("[calendar] 经济事件已刷新 %s~%s，共 %d 条", start.Format("01-02"), end.Format("01-02"), len(events))
	return nil
}

// Run 启动时刷新一次，之后按 Every 周期检查，直到 ctx 结束。
func (r *Refresher) Run(ctx context.Context) error {
	_ = r.RefreshNow(ctx, false)
	ticker := time.NewTicker(r.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = r.RefreshNow(ctx, false)
		}
	}
}
