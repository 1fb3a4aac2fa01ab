package window

import (
	"fmt"
	"time"
)

// Options carries the holiday knobs that are not part of the window itself.
type Options struct {
	// Buffer is subtracted from early closes and halts.
	Buffer time.Duration
	// PostOpenBuffer delays admission after an explicit same-day open.
	PostOpenBuffer time.Duration
}

// Evaluate decides admissibility for now. now must already be in the session
// location. A nil entry is treated as Normal.
func Evaluate(now time.Time, w TradingWindow, entry *HolidayEntry, opts Options) Verdict {
	v := Verdict{At: now, Admissible: true, Reason: ReasonOpen, EntriesAllowed: true, Holiday: KindNormal}
	c := ClockOf(now)

	if entry != nil {
		h := entry.Normalize()
		v.Holiday = h.Kind
		if !applyHoliday(&v, now, c, h, opts) {
			v.EntriesAllowed = false
			v.EntryBlock = v.Reason
			return v
		}
	}

	session := w.Session()
	if !session.Contains(c) {
		v.Admissible = false
		v.Reason = ReasonOutsideWindow
		v.EntriesAllowed = false
		v.EntryBlock = ReasonOutsideWindow
		return v
	}

	for _, r := range w.NoNewTrades {
		if r.Contains(c) {
			v.BlockEntries(ReasonNoNewTrades)
			break
		}
	}
	if w.ForceClose != nil && session.Offset(c) >= session.Offset(*w.ForceClose) {
		v.ForceClose = true
		v.BlockEntries(ReasonForceClose)
	}
	return v
}

// applyHoliday returns false when the holiday rules alone forbid trading.
func applyHoliday(v *Verdict, now time.Time, c Clock, h HolidayEntry, opts Options) bool {
	switch h.Kind {
	case KindClosed:
		v.Admissible = false
		v.Reason = ReasonHoliday
		v.Notice = "market closed: " + h.Notes
		return false

	case KindEarlyClose:
		if h.CloseTime == nil {
			return checkOpen(v, c, h, opts)
		}
		stop := h.CloseTime.Back(opts.Buffer)
		blocked := c >= stop
		// An evening open after the close starts the next session.
		if h.OpenTime != nil && *h.OpenTime > *h.CloseTime {
			blocked = stop <= c && c < *h.OpenTime
		}
		if blocked {
			v.Admissible = false
			v.Reason = ReasonEarlyClose
			v.Notice = fmt.Sprintf("early close at %s, trading stopped at %s", h.CloseTime, stop)
			return false
		}
		if c < stop {
			at := stop.On(now)
			v.AdjustedStop = &at
			v.Notice = fmt.Sprintf("early close at %s, trading stops at %s", h.CloseTime, stop)
		}
		return checkOpen(v, c, h, opts)

	case KindHaltReopen:
		if h.HaltTime == nil || h.ReopenTime == nil {
			return checkOpen(v, c, h, opts)
		}
		start := h.HaltTime.Back(opts.Buffer)
		if start <= c && c < *h.ReopenTime {
			v.Admissible = false
			v.Reason = ReasonHalt
			v.Notice = fmt.Sprintf("halted at %s, reopens at %s", h.HaltTime, h.ReopenTime)
			return false
		}
		if c < start {
			at := start.On(now)
			v.AdjustedStop = &at
			v.Notice = fmt.Sprintf("halt at %s, trading stops at %s, reopens at %s", h.HaltTime, start, h.ReopenTime)
		}
		return checkOpen(v, c, h, opts)
	}
	return checkOpen(v, c, h, opts)
}

// checkOpen enforces an explicit same-day open. An open later than the close
// belongs to the evening session and is not a morning gate.
func checkOpen(v *Verdict, c Clock, h HolidayEntry, opts Options) bool {
	if h.OpenTime == nil {
		return true
	}
	if h.CloseTime != nil && *h.OpenTime > *h.CloseTime {
		return true
	}
	admitAt := h.OpenTime.Forward(opts.PostOpenBuffer)
	if c < admitAt {
		v.Admissible = false
		v.Reason = ReasonBeforeOpen
		v.Notice = fmt.Sprintf("session opens at %s", h.OpenTime)
		return false
	}
	return true
}
