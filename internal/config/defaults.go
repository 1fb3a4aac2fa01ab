package config

import "strings"

// 默认值常量
const (
	defaultAppEnv               = "dev"
	defaultAppLogLevel          = "info"
	defaultAppHTTPAddr          = ":9991"
	defaultAppLogPath           = "data/logs/estrader.log"
	defaultAppLLMLogPath        = "data/logs/estrader-oracle.log"
	defaultSessionTimezone      = "America/New_York"
	defaultSessionBegin         = "18:00"
	defaultSessionEnd           = "17:00"
	defaultSessionInterval      = 300
	defaultMaxFailures          = 5
	defaultCycleTimeout         = 90
	defaultPendingTimeout       = 120
	defaultHolidayBuffer        = 30
	defaultHolidayDataFile      = "data/calendar/holidays.json"
	defaultHolidayRefreshHours  = 6
	defaultEventDataFile        = "data/calendar/events.json"
	defaultEventMinutesBefore   = 60
	defaultEventMinutesAfter    = 15
	defaultPositionDefaultSize  = 1
	defaultPositionTickSize     = 0.25
	defaultPositionPointValue   = 50.0
	defaultReconcilePoll        = 10
	defaultReconcileDedup       = 5
	defaultReconcileLookback    = 240
	defaultOracleTimeout        = 60
	defaultOracleMaxTokens      = 1024
	defaultCaptureMode          = CaptureModeURL
	defaultCaptureWidth         = 1600
	defaultCaptureHeight        = 900
	defaultCaptureWait          = 3
	defaultBrokerMode           = BrokerModePaper
	defaultBrokerBaseURL        = "https://api.topstepx.com"
	defaultBrokerTimeout        = 15
	defaultBrokerRate           = 4
	defaultLedgerPath           = "data/db/ledger.db"
	defaultLedgerBuffer         = 256
)

const (
	BrokerModeLive  = "live"
	BrokerModePaper = "paper"
	CaptureModeURL  = "url"
	CaptureModeFile = "file"
)

var defaultSeverities = []string{"High"}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Session.applyDefaults(keys)
	c.Holidays.applyDefaults(keys)
	c.Events.applyDefaults(keys)
	c.Position.applyDefaults(keys)
	c.Reconcile.applyDefaults(keys)
	c.Oracle.applyDefaults(keys)
	c.Capture.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Ledger.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.llm_log_path", &a.LLMLog, defaultAppLLMLogPath),
	)
}

func (s *SessionConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("session.timezone", &s.Timezone, defaultSessionTimezone),
		stringFieldDefault("session.begin_time", &s.BeginTime, defaultSessionBegin),
		stringFieldDefault("session.end_time", &s.EndTime, defaultSessionEnd),
		intFieldDefault("session.default_interval_seconds", &s.DefaultIntervalSeconds, defaultSessionInterval),
		intFieldDefault("session.max_consecutive_failures", &s.MaxConsecutiveFailures, defaultMaxFailures),
		intFieldDefault("session.cycle_timeout_seconds", &s.CycleTimeoutSeconds, defaultCycleTimeout),
		intFieldDefault("session.pending_timeout_seconds", &s.PendingTimeoutSeconds, defaultPendingTimeout),
	)
	if strings.TrimSpace(s.ContractID) == "" {
		s.ContractID = s.Symbol
	}
}

func (h *HolidayConfig) applyDefaults(keys keySet) {
	if h == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("holidays.enabled", &h.Enabled, true),
		intFieldDefault("holidays.buffer_minutes", &h.BufferMinutes, defaultHolidayBuffer),
		stringFieldDefault("holidays.data_file", &h.DataFile, defaultHolidayDataFile),
		intFieldDefault("holidays.refresh_hours", &h.RefreshHours, defaultHolidayRefreshHours),
	)
}

func (e *EventConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("events.data_file", &e.DataFile, defaultEventDataFile),
		intFieldDefault("events.minutes_before", &e.MinutesBefore, defaultEventMinutesBefore),
		intFieldDefault("events.minutes_after", &e.MinutesAfter, defaultEventMinutesAfter),
		fieldDefault{
			key:   "events.severities",
			need:  func() bool { return len(e.Severities) == 0 },
			apply: func() { e.Severities = append([]string(nil), defaultSeverities...) },
		},
	)
}

func (p *PositionConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("position.default_size", &p.DefaultSize, defaultPositionDefaultSize),
		fieldDefault{
			key:   "position.tick_size",
			need:  func() bool { return p.TickSize <= 0 },
			apply: func() { p.TickSize = defaultPositionTickSize },
		},
		fieldDefault{
			key:   "position.point_value",
			need:  func() bool { return p.PointValue <= 0 },
			apply: func() { p.PointValue = defaultPositionPointValue },
		},
	)
}

func (r *ReconcileConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("reconcile.enabled", &r.Enabled, true),
		intFieldDefault("reconcile.poll_seconds", &r.PollSeconds, defaultReconcilePoll),
		intFieldDefault("reconcile.dedup_seconds", &r.DedupSeconds, defaultReconcileDedup),
		intFieldDefault("reconcile.fill_lookback_minutes", &r.FillLookbackMinutes, defaultReconcileLookback),
	)
}

func (o *OracleConfig) applyDefaults(keys keySet) {
	if o == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("oracle.timeout_seconds", &o.TimeoutSeconds, defaultOracleTimeout),
		intFieldDefault("oracle.max_tokens", &o.MaxTokens, defaultOracleMaxTokens),
	)
}

func (c *CaptureConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("capture.mode", &c.Mode, defaultCaptureMode),
		intFieldDefault("capture.width", &c.Width, defaultCaptureWidth),
		intFieldDefault("capture.height", &c.Height, defaultCaptureHeight),
		intFieldDefault("capture.wait_seconds", &c.WaitSeconds, defaultCaptureWait),
	)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("broker.mode", &b.Mode, defaultBrokerMode),
		stringFieldDefault("broker.base_url", &b.BaseURL, defaultBrokerBaseURL),
		intFieldDefault("broker.timeout_seconds", &b.TimeoutSeconds, defaultBrokerTimeout),
		fieldDefault{
			key:   "broker.rate_per_second",
			need:  func() bool { return b.RatePerSecond <= 0 },
			apply: func() { b.RatePerSecond = defaultBrokerRate },
		},
	)
}

func (l *LedgerConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("ledger.path", &l.Path, defaultLedgerPath),
		intFieldDefault("ledger.buffer", &l.Buffer, defaultLedgerBuffer),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
