package calendar

import (
	"sync"
	"time"

	"estrader/internal/logger"
	"estrader/internal/window"
)

// HolidayFile 是节假日缓存的落盘格式。
type HolidayFile struct {
	weekHeader
	Holidays []window.HolidayEntry `json:"holidays"`
}

// Cache 保存一个交易周的节假日条目，刷新时整周原子替换。
type Cache struct {
	mu      sync.RWMutex
	path    string
	loc     *time.Location
	file    HolidayFile
	entries map[string]window.HolidayEntry
	nowFn   func() time.Time
}

func NewCache(path string, loc *time.Location) *Cache {
	if loc == nil {
		loc = time.Local
	}
	return &Cache{path: path, loc: loc, entries: map[string]window.HolidayEntry{}, nowFn: time.Now}
}

// SetClock 替换时间源（测试用）。
func (c *Cache) SetClock(fn func() time.Time) {
	if fn != nil {
		c.nowFn = fn
	}
}

// Load 从磁盘加载；文件不存在不算错误。
func (c *Cache) Load() error {
	var f HolidayFile
	ok, err := loadJSON(c.path, &f)
	if err != nil || !ok {
		return err
	}
	c.install(f)
	logger.Infof("[calendar] 加载节假日缓存 %s~%s，共 %d 天", f.WeekStart, f.WeekEnd, len(f.Holidays))
	return nil
}

func (c *Cache) install(f HolidayFile) {
	entries := make(map[string]window.HolidayEntry, len(f.Holidays))
	for _, h := range f.Holidays {
		entries[h.Date] = h.Normalize()
	}
	c.mu.Lock()
	c.file = f
	c.entries = entries
	c.mu.Unlock()
}

// Get 返回 date 当天的条目。
func (c *Cache) Get(date time.Time) (window.HolidayEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.entries[window.DateKey(date.In(c.loc))]
	return h, ok
}

// IsFresh 缓存的周边界是否覆盖 today。
func (c *Cache) IsFresh(today time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.fresh(today.In(c.loc))
}

// Refresh 用新抓取的条目替换整周；缺失的日期补 Normal。先落盘再替换内存。
func (c *Cache) Refresh(entries []window.HolidayEntry, weekOf time.Time) error {
	start, end := TradingWeek(weekOf.In(c.loc))
	byDate := make(map[string]window.HolidayEntry, len(entries))
	for _, e := range entries {
		byDate[e.Date] = e.Normalize()
	}
	f := HolidayFile{weekHeader: weekHeader{
		FetchTimestamp: c.nowFn(),
		WeekStart:      window.DateKey(start),
		WeekEnd:        window.DateKey(end),
	}}
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		key := window.DateKey(d)
		if e, ok := byDate[key]; ok {
			f.Holidays = append(f.Holidays, e)
			continue
		}
		f.Holidays = append(f.Holidays, window.Normal(d))
	}
	if err := saveJSON(c.path, f); err != nil {
		return err
	}
	c.install(f)
	return nil
}

// Week 返回当前缓存内容的副本。
func (c *Cache) Week() HolidayFile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.file
	out.Holidays = append([]window.HolidayEntry(nil), c.file.Holidays...)
	return out
}

// Lookup 给窗口计算使用：返回当日条目（可能为 nil）以及缓存是否过期。
func (c *Cache) Lookup(now time.Time) (*window.HolidayEntry, bool) {
	stale := !c.IsFresh(now)
	if h, ok := c.Get(now); ok {
		return &h, stale
	}
	return nil, stale
}
