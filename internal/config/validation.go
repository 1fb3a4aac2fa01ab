package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Session.validate(); err != nil {
		return err
	}
	if err := c.Holidays.validate(); err != nil {
		return err
	}
	if err := c.Position.validate(); err != nil {
		return err
	}
	if err := c.Reconcile.validate(); err != nil {
		return err
	}
	if err := c.Oracle.validate(); err != nil {
		return err
	}
	if err := c.Capture.validate(); err != nil {
		return err
	}
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	// 实盘网关的下单回报不含成交，挂起命令只能由对账确认。
	if !c.Broker.IsPaper() && !c.Reconcile.Enabled {
		return fmt.Errorf("reconcile.enabled must be true when broker.mode is live")
	}
	return nil
}

func (s *SessionConfig) validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("session.symbol cannot be empty")
	}
	if _, err := s.Location(); err != nil {
		return fmt.Errorf("session.timezone: %w", err)
	}
	if _, err := s.TradingWindow(); err != nil {
		return err
	}
	if _, err := s.ScheduleTable(); err != nil {
		return err
	}
	if s.DefaultIntervalSeconds <= 0 {
		return fmt.Errorf("session.default_interval_seconds must be > 0")
	}
	if s.ImmediateDelaySeconds < 0 {
		return fmt.Errorf("session.immediate_delay_seconds must be >= 0")
	}
	if s.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("session.max_consecutive_failures must be > 0")
	}
	return nil
}

func (h *HolidayConfig) validate() error {
	if h.BufferMinutes < 0 || h.PostOpenBufferMinutes < 0 {
		return fmt.Errorf("holidays buffers must be >= 0")
	}
	if h.Enabled && strings.TrimSpace(h.DataFile) == "" {
		return fmt.Errorf("holidays.data_file cannot be empty when holidays.enabled")
	}
	if strings.TrimSpace(h.SourceFile) != "" && strings.TrimSpace(h.FeedURL) != "" {
		return fmt.Errorf("holidays.source_file and holidays.feed_url are mutually exclusive")
	}
	return nil
}

func (p *PositionConfig) validate() error {
	if p.DefaultSize <= 0 {
		return fmt.Errorf("position.default_size must be > 0")
	}
	if p.RunnerTargetSize < 0 {
		return fmt.Errorf("position.runner_target_size must be >= 0")
	}
	if p.MaxSize > 0 && p.DefaultSize > p.MaxSize {
		return fmt.Errorf("position.default_size=%d exceeds position.max_size=%d", p.DefaultSize, p.MaxSize)
	}
	if p.MaxSize > 0 && p.RunnerTargetSize >= p.MaxSize {
		return fmt.Errorf("position.runner_target_size must be below position.max_size")
	}
	return nil
}

func (r *ReconcileConfig) validate() error {
	if r.Enabled && r.PollSeconds <= 0 {
		return fmt.Errorf("reconcile.poll_seconds must be > 0")
	}
	if r.DedupSeconds < 0 || r.AssumeClosedAfterFailures < 0 {
		return fmt.Errorf("reconcile.dedup_seconds and assume_closed_after_failures must be >= 0")
	}
	return nil
}

func (o *OracleConfig) validate() error {
	if strings.TrimSpace(o.APIURL) == "" {
		return fmt.Errorf("oracle.api_url cannot be empty")
	}
	if strings.TrimSpace(o.Model) == "" {
		return fmt.Errorf("oracle.model cannot be empty")
	}
	if strings.TrimSpace(o.Prompts.Flat) == "" {
		return fmt.Errorf("oracle.prompts.none cannot be empty")
	}
	return nil
}

func (c *CaptureConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Mode)) {
	case CaptureModeURL:
		if strings.TrimSpace(c.URL) == "" {
			return fmt.Errorf("capture.url cannot be empty in url mode")
		}
	case CaptureModeFile:
		if strings.TrimSpace(c.FileDir) == "" {
			return fmt.Errorf("capture.file_dir cannot be empty in file mode")
		}
	default:
		return fmt.Errorf("capture.mode must be url or file, got %q", c.Mode)
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(b.Mode)) {
	case BrokerModePaper:
		return nil
	case BrokerModeLive:
	default:
		return fmt.Errorf("broker.mode must be live or paper, got %q", b.Mode)
	}
	if strings.TrimSpace(b.BaseURL) == "" {
		return fmt.Errorf("broker.base_url cannot be empty")
	}
	if strings.TrimSpace(b.UserName) == "" || strings.TrimSpace(b.APIKey) == "" {
		return fmt.Errorf("broker.user_name and broker.api_key are required in live mode")
	}
	if b.AccountID <= 0 {
		return fmt.Errorf("broker.account_id must be > 0 in live mode")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if strings.TrimSpace(n.Telegram.BotToken) == "" || strings.TrimSpace(n.Telegram.ChatID) == "" {
			return fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled")
		}
	}
	return nil
}
