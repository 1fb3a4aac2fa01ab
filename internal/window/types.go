package window

import "time"

// TradingWindow bounds the session. End <= Begin means the session crosses midnight.
type TradingWindow struct {
	Begin       Clock
	End         Clock
	NoNewTrades []Range
	ForceClose  *Clock
}

// Session returns the window as a Range.
func (w TradingWindow) Session() Range { return Range{Start: w.Begin, End: w.End} }

// HolidayKind classifies a trading date.
type HolidayKind string

const (
	KindNormal     HolidayKind = "normal"
	KindClosed     HolidayKind = "closed"
	KindEarlyClose HolidayKind = "early_close"
	KindHaltReopen HolidayKind = "halt_reopen"
)

// HolidayEntry describes one trading date. A nil OpenTime means the session
// is carried over from the prior trading day.
type HolidayEntry struct {
	Date       string      `json:"date"`
	Kind       HolidayKind `json:"type"`
	OpenTime   *Clock      `json:"open_time"`
	CloseTime  *Clock      `json:"close_time"`
	HaltTime   *Clock      `json:"halt_time,omitempty"`
	ReopenTime *Clock      `json:"reopen_time,omitempty"`
	Notes      string      `json:"notes,omitempty"`
}

const DateLayout = "2006-01-02"

// DateKey formats t as the calendar key used by HolidayEntry.Date.
func DateKey(t time.Time) string { return t.Format(DateLayout) }

// Normalize folds equivalent shapes together: an early close carrying a
// reopen time is a halt with halt = close.
func (h HolidayEntry) Normalize() HolidayEntry {
	if h.Kind == "" {
		h.Kind = KindNormal
	}
	if h.Kind == KindEarlyClose && h.ReopenTime != nil && h.CloseTime != nil {
		h.Kind = KindHaltReopen
		if h.HaltTime == nil {
			halt := *h.CloseTime
			h.HaltTime = &halt
		}
	}
	if h.Kind == KindHaltReopen && h.HaltTime == nil && h.CloseTime != nil {
		halt := *h.CloseTime
		h.HaltTime = &halt
	}
	return h
}

// Normal returns a Normal entry for the given date.
func Normal(date time.Time) HolidayEntry {
	return HolidayEntry{Date: DateKey(date), Kind: KindNormal}
}

// Block reasons reported by Evaluate.
const (
	ReasonOpen          = "open"
	ReasonHoliday       = "holiday"
	ReasonEarlyClose    = "early_close"
	ReasonHalt          = "halt"
	ReasonBeforeOpen    = "before_open"
	ReasonOutsideWindow = "outside_window"
	ReasonStaleCalendar = "stale_calendar"
	ReasonNoNewTrades   = "no_new_trades"
	ReasonForceClose    = "force_close"
	ReasonEvent         = "economic_event"
)

// Verdict is the admission decision for one instant.
type Verdict struct {
	At             time.Time   `json:"at"`
	Admissible     bool        `json:"admissible"`
	Reason         string      `json:"reason"`
	AdjustedStop   *time.Time  `json:"adjusted_stop,omitempty"`
	EntriesAllowed bool        `json:"entries_allowed"`
	EntryBlock     string      `json:"entry_block,omitempty"`
	ForceClose     bool        `json:"force_close"`
	Notice         string      `json:"notice,omitempty"`
	Holiday        HolidayKind `json:"holiday"`
}

// BlockEntries marks new entries as not allowed unless already blocked.
func (v *Verdict) BlockEntries(reason string) {
	if !v.EntriesAllowed {
		return
	}
	v.EntriesAllowed = false
	v.EntryBlock = reason
}
