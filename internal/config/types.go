package config

import "strings"

// Config 是 estrader 的主配置载体。
type Config struct {
	App       AppConfig       `toml:"app"`
	Session   SessionConfig   `toml:"session"`
	Holidays  HolidayConfig   `toml:"holidays"`
	Events    EventConfig     `toml:"events"`
	Position  PositionConfig  `toml:"position"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Oracle    OracleConfig    `toml:"oracle"`
	Capture   CaptureConfig   `toml:"capture"`
	Broker    BrokerConfig    `toml:"broker"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Notify    NotifyConfig    `toml:"notify"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
	LLMLog   string `toml:"llm_log_path"`
	LLMDump  bool   `toml:"llm_dump_payload"`
	Tracing  bool   `toml:"tracing"`
}

// SessionConfig 描述交易时段与主循环节奏。时间均为 Timezone 下的 "HH:MM"。
type SessionConfig struct {
	Symbol                 string         `toml:"symbol"`
	ContractID             string         `toml:"contract_id"`
	Timezone               string         `toml:"timezone"`
	BeginTime              string         `toml:"begin_time"`
	EndTime                string         `toml:"end_time"`
	NoNewTrades            []string       `toml:"no_new_trades"`
	ForceCloseTime         string         `toml:"force_close_time"`
	DefaultIntervalSeconds int            `toml:"default_interval_seconds"`
	Schedule               []ScheduleRule `toml:"schedule"`
	ImmediateDelaySeconds  int            `toml:"immediate_delay_seconds"`
	MaxConsecutiveFailures int            `toml:"max_consecutive_failures"`
	CycleTimeoutSeconds    int            `toml:"cycle_timeout_seconds"`
	PendingTimeoutSeconds  int            `toml:"pending_timeout_seconds"`
}

// ScheduleRule 是一段分时配置，Interval 可为 "30s"/"5m"/秒数/"skip"。
type ScheduleRule struct {
	Range    string `toml:"range"`
	Interval string `toml:"interval"`
}

type HolidayConfig struct {
	Enabled               bool   `toml:"enabled"`
	BufferMinutes         int    `toml:"buffer_minutes"`
	PostOpenBufferMinutes int    `toml:"post_open_buffer_minutes"`
	DataFile              string `toml:"data_file"`
	SourceFile            string `toml:"source_file"`
	FeedURL               string `toml:"feed_url"`
	RefreshHours          int    `toml:"refresh_hours"`
	FailClosed            bool   `toml:"fail_closed"`
}

type EventConfig struct {
	Enabled         bool     `toml:"enabled"`
	DataFile        string   `toml:"data_file"`
	SourceFile      string   `toml:"source_file"`
	FeedURL         string   `toml:"feed_url"`
	MinutesBefore   int      `toml:"minutes_before"`
	MinutesAfter    int      `toml:"minutes_after"`
	Severities      []string `toml:"severities"`
	BlockNewEntries bool     `toml:"block_new_entries"`
}

// PositionConfig 控制默认手数与 runner 策略。
type PositionConfig struct {
	RunnerTargetSize int     `toml:"runner_target_size"`
	DefaultSize      int     `toml:"default_size"`
	MaxSize          int     `toml:"max_size"`
	TickSize         float64 `toml:"tick_size"`
	PointValue       float64 `toml:"point_value"`
}

type ReconcileConfig struct {
	Enabled                   bool `toml:"enabled"`
	PollSeconds               int  `toml:"poll_seconds"`
	DedupSeconds              int  `toml:"dedup_seconds"`
	FillLookbackMinutes       int  `toml:"fill_lookback_minutes"`
	AssumeClosedAfterFailures int  `toml:"assume_closed_after_failures"`
}

type OracleConfig struct {
	APIURL         string            `toml:"api_url"`
	APIKey         string            `toml:"api_key"`
	Model          string            `toml:"model"`
	TimeoutSeconds int               `toml:"timeout_seconds"`
	MaxTokens      int               `toml:"max_tokens"`
	SystemPrompt   string            `toml:"system_prompt"`
	Prompts        PromptSet         `toml:"prompts"`
	SchemaPath     string            `toml:"schema_path"`
	Headers        map[string]string `toml:"headers"`
}

// PromptSet 按持仓形态选择提示词模板。
type PromptSet struct {
	Flat   string `toml:"none"`
	Long   string `toml:"long"`
	Short  string `toml:"short"`
	Runner string `toml:"runner"`
}

type CaptureConfig struct {
	Mode        string `toml:"mode"`
	URL         string `toml:"url"`
	Selector    string `toml:"selector"`
	Width       int    `toml:"width"`
	Height      int    `toml:"height"`
	WaitSeconds int    `toml:"wait_seconds"`
	FileDir     string `toml:"file_dir"`
	SaveDir     string `toml:"save_dir"`
}

type BrokerConfig struct {
	Mode           string  `toml:"mode"`
	BaseURL        string  `toml:"base_url"`
	UserName       string  `toml:"user_name"`
	APIKey         string  `toml:"api_key"`
	AccountID      int64   `toml:"account_id"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	RatePerSecond  float64 `toml:"rate_per_second"`
	// PaperFee 纸面模式下每手单边手续费。
	PaperFee       float64 `toml:"paper_fee"`
}

type LedgerConfig struct {
	Path   string `toml:"path"`
	Buffer int    `toml:"buffer"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// IsPaper 判断是否使用本地模拟券商。
func (b BrokerConfig) IsPaper() bool {
	return strings.EqualFold(strings.TrimSpace(b.Mode), BrokerModePaper)
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
