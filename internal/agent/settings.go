package agent

import (
	"fmt"
	"time"

	"estrader/internal/config"
	"estrader/internal/decision"
	"estrader/internal/scheduler"
	"estrader/internal/trader"
	"estrader/internal/window"
)

// ConfigSource 提供当前配置快照；config.Watcher 实现该接口。
type ConfigSource interface {
	Current() *config.Config
}

// StaticConfig 用固定配置实现 ConfigSource。
type StaticConfig struct{ Config *config.Config }

func (s StaticConfig) Current() *config.Config { return s.Config }

// settings 是一轮循环使用的已编译配置。每轮开始时读取一次，
// 配置热更新只影响下一轮。
type settings struct {
	version        *config.Config
	loc            *time.Location
	window         window.TradingWindow
	resolver       scheduler.Resolver
	windowOpts     window.Options
	holidays       bool
	failClosed     bool
	events         config.EventConfig
	sizing         decision.Sizing
	renderer       *decision.Renderer
	cycleTimeout   time.Duration
	maxFailures    int
	pendingTimeout time.Duration
	captureArchive string
}

func compileSettings(cfg *config.Config) (settings, error) {
	if cfg == nil {
		return settings{}, fmt.Errorf("config is nil")
	}
	loc, err := cfg.Session.Location()
	if err != nil {
		return settings{}, fmt.Errorf("session.timezone: %w", err)
	}
	w, err := cfg.Session.TradingWindow()
	if err != nil {
		return settings{}, err
	}
	res, err := cfg.Session.Resolver()
	if err != nil {
		return settings{}, err
	}
	prompts := cfg.Oracle.Prompts
	renderer := decision.NewRenderer(cfg.Oracle.SystemPrompt, map[trader.Variant]string{
		trader.VariantFlat:   prompts.Flat,
		trader.VariantLong:   prompts.Long,
		trader.VariantShort:  prompts.Short,
		trader.VariantRunner: prompts.Runner,
	})
	return settings{
		version:        cfg,
		loc:            loc,
		window:         w,
		resolver:       res,
		windowOpts:     cfg.Holidays.WindowOptions(),
		holidays:       cfg.Holidays.Enabled,
		failClosed:     cfg.Holidays.FailClosed,
		events:         cfg.Events,
		sizing:         decision.Sizing{Default: cfg.Position.DefaultSize, Max: cfg.Position.MaxSize},
		renderer:       renderer,
		cycleTimeout:   cfg.Session.CycleTimeout(),
		maxFailures:    cfg.Session.MaxConsecutiveFailures,
		pendingTimeout: cfg.Session.PendingTimeout(),
		captureArchive: cfg.Capture.SaveDir,
	}, nil
}

func admission(v window.Verdict) trader.Admission {
	return trader.Admission{
		Admissible:     v.Admissible,
		Reason:         v.Reason,
		EntriesAllowed: v.EntriesAllowed,
		EntryBlock:     v.EntryBlock,
		Notice:         v.Notice,
	}
}
