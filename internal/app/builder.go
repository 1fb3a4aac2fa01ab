package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"estrader/internal/agent"
	"estrader/internal/calendar"
	brcfg "estrader/internal/config"
	"estrader/internal/decision"
	"estrader/internal/gateway/broker"
	"estrader/internal/gateway/capture"
	"estrader/internal/gateway/notifier"
	"estrader/internal/gateway/provider"
	"estrader/internal/ledger"
	"estrader/internal/logger"
	"estrader/internal/reconcile"
	"estrader/internal/session"
	"estrader/internal/store/gormstore"
	livehttp "estrader/internal/transport/http/live"
)

// AppBuilder 按配置组装依赖；各 *Fn 字段可在测试中替换。
type AppBuilder struct {
	cfg     *brcfg.Config
	watcher *brcfg.Watcher

	brokerFn   func(brcfg.Config) (broker.Broker, error)
	capturerFn func(brcfg.CaptureConfig) (capture.Capturer, error)
	oracleFn   func(brcfg.OracleConfig) (decision.Oracle, error)
	ledgerFn   func(brcfg.LedgerConfig) (*gormstore.GormStore, error)
	notifierFn func(brcfg.NotifyConfig) notifier.TextNotifier
}

type AppBuilderOption func(*AppBuilder)

// WithBroker 替换券商实现。
func WithBroker(b broker.Broker) AppBuilderOption {
	return func(ab *AppBuilder) {
		ab.brokerFn = func(brcfg.Config) (broker.Broker, error) { return b, nil }
	}
}

func WithCapturer(c capture.Capturer) AppBuilderOption {
	return func(ab *AppBuilder) {
		ab.capturerFn = func(brcfg.CaptureConfig) (capture.Capturer, error) { return c, nil }
	}
}

func WithOracle(o decision.Oracle) AppBuilderOption {
	return func(ab *AppBuilder) {
		ab.oracleFn = func(brcfg.OracleConfig) (decision.Oracle, error) { return o, nil }
	}
}

func WithNotifier(n notifier.TextNotifier) AppBuilderOption {
	return func(ab *AppBuilder) {
		ab.notifierFn = func(brcfg.NotifyConfig) notifier.TextNotifier { return n }
	}
}

func NewAppBuilder(cfg *brcfg.Config, watcher *brcfg.Watcher, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		watcher:    watcher,
		brokerFn:   buildBroker,
		capturerFn: buildCapturer,
		oracleFn:   buildOracle,
		ledgerFn:   buildLedgerStore,
		notifierFn: buildNotifier,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	var cfgSource agent.ConfigSource = agent.StaticConfig{Config: cfg}
	if b.watcher != nil {
		cfgSource = b.watcher
	}

	textNotifier := b.notifierFn(cfg.Notify)

	ledgerStore, err := b.ledgerFn(cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("初始化账本失败: %w", err)
	}
	sink := ledger.NewAsyncSink(ledgerStore, cfg.Ledger.Buffer, textNotifier)

	store := session.NewStore(cfg.Session.Symbol, cfg.Position.RunnerTargetSize, sink,
		time.Duration(cfg.Reconcile.DedupSeconds)*time.Second)

	br, err := b.brokerFn(*cfg)
	if err != nil {
		_ = ledgerStore.Close()
		return nil, err
	}
	capturer, err := b.capturerFn(cfg.Capture)
	if err != nil {
		_ = ledgerStore.Close()
		return nil, err
	}
	oracle, err := b.oracleFn(cfg.Oracle)
	if err != nil {
		_ = ledgerStore.Close()
		return nil, err
	}

	cal, err := BuildCalendar(cfg)
	if err != nil {
		_ = ledgerStore.Close()
		return nil, err
	}

	var engine *reconcile.Engine
	if cfg.Reconcile.Enabled {
		engine = reconcile.NewEngine(store, br, reconcileOptions(cfg))
	}

	orch := agent.NewOrchestrator(agent.OrchestratorParams{
		Config:     cfgSource,
		Store:      store,
		Reconciler: engine,
		Broker:     br,
		Capturer:   capturer,
		Oracle:     oracle,
		Holidays:   cal.Holidays,
		Events:     cal.Events,
		Notifier:   textNotifier,
	})

	serverCfg := livehttp.ServerConfig{
		Addr:    cfg.App.HTTPAddr,
		Session: orch,
		Ledger:  sink,
		PnL:     ledgerStore,
	}
	if cal.Holidays != nil {
		serverCfg.Holidays = cal.Holidays
	}
	if cal.Events != nil {
		serverCfg.Events = cal.Events
	}
	server, err := livehttp.NewServer(serverCfg)
	if err != nil {
		_ = ledgerStore.Close()
		return nil, err
	}

	return &App{
		cfg:          cfg,
		watcher:      b.watcher,
		store:        store,
		sink:         sink,
		ledgerStore:  ledgerStore,
		reconciler:   engine,
		refresher:    cal.Refresher,
		orchestrator: orch,
		httpServer:   server,
		Summary:      newStartupSummary(cfg, cal),
	}, nil
}

// Calendar 聚合节假日缓存、事件缓存与后台刷新器；未启用的部分为 nil。
type Calendar struct {
	Holidays  *calendar.Cache
	Events    *calendar.Events
	Refresher *calendar.Refresher
}

// BuildCalendar 加载本地缓存并配置数据源；缓存文件不存在不是错误。
func BuildCalendar(cfg *brcfg.Config) (Calendar, error) {
	var cal Calendar
	loc, err := cfg.Session.Location()
	if err != nil {
		return cal, fmt.Errorf("session.timezone: %w", err)
	}
	var hs calendar.HolidaySource
	var es calendar.EventSource
	if cfg.Holidays.Enabled {
		cal.Holidays = calendar.NewCache(cfg.Holidays.DataFile, loc)
		if err := cal.Holidays.Load(); err != nil {
			logger.Warnf("[calendar] 节假日缓存加载失败，将尝试刷新: %v", err)
		}
		hs = calendarSource(cfg.Holidays.SourceFile, cfg.Holidays.FeedURL)
	}
	if cfg.Events.Enabled {
		cal.Events = calendar.NewEvents(cfg.Events.DataFile, loc)
		if err := cal.Events.Load(); err != nil {
			logger.Warnf("[calendar] 事件缓存加载失败，将尝试刷新: %v", err)
		}
		es = calendarSource(cfg.Events.SourceFile, cfg.Events.FeedURL)
	}
	if hs != nil || es != nil {
		every := time.Duration(cfg.Holidays.RefreshHours) * time.Hour
		cal.Refresher = calendar.NewRefresher(cal.Holidays, cal.Events, hs, es, every)
	}
	return cal, nil
}

// calendarSource 优先使用本地文件，其次 HTTP feed；都未配置时返回 nil。
func calendarSource(file, url string) calendarFeed {
	switch {
	case strings.TrimSpace(file) != "":
		return calendar.FileSource{Path: file}
	case strings.TrimSpace(url) != "":
		return calendar.NewHTTPSource(url, 20*time.Second)
	default:
		return nil
	}
}

type calendarFeed interface {
	calendar.HolidaySource
	calendar.EventSource
}

func reconcileOptions(cfg *brcfg.Config) reconcile.Options {
	return reconcile.Options{
		Poll:              time.Duration(cfg.Reconcile.PollSeconds) * time.Second,
		FillLookback:      time.Duration(cfg.Reconcile.FillLookbackMinutes) * time.Minute,
		AssumeClosedAfter: cfg.Reconcile.AssumeClosedAfterFailures,
		PendingTimeout:    cfg.Session.PendingTimeout(),
	}
}

func buildBroker(cfg brcfg.Config) (broker.Broker, error) {
	if cfg.Broker.IsPaper() {
		logger.Infof("✓ 使用纸面券商（point_value=%.2f fee=%.2f）", cfg.Position.PointValue, cfg.Broker.PaperFee)
		return broker.NewPaperBroker(cfg.Position.PointValue, cfg.Broker.PaperFee), nil
	}
	contracts := map[string]string{}
	if id := strings.TrimSpace(cfg.Session.ContractID); id != "" {
		contracts[cfg.Session.Symbol] = id
	}
	logger.Infof("✓ 使用券商网关 %s（account=%d）", cfg.Broker.BaseURL, cfg.Broker.AccountID)
	return broker.NewGatewayClient(broker.GatewayConfig{
		BaseURL:       cfg.Broker.BaseURL,
		UserName:      cfg.Broker.UserName,
		APIKey:        cfg.Broker.APIKey,
		AccountID:     cfg.Broker.AccountID,
		Contracts:     contracts,
		TickSize:      cfg.Position.TickSize,
		Timeout:       cfg.Broker.Timeout(),
		RatePerSecond: cfg.Broker.RatePerSecond,
	}), nil
}

func buildCapturer(cfg brcfg.CaptureConfig) (capture.Capturer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case brcfg.CaptureModeFile:
		if strings.TrimSpace(cfg.FileDir) == "" {
			return nil, fmt.Errorf("capture.file_dir required in file mode")
		}
		return capture.NewDirCapturer(cfg.FileDir, 0), nil
	default:
		wait := time.Duration(cfg.WaitSeconds) * time.Second
		return capture.NewBrowserCapturer(cfg.URL, cfg.Selector, cfg.Width, cfg.Height, wait), nil
	}
}

func buildOracle(cfg brcfg.OracleConfig) (decision.Oracle, error) {
	validator, err := decision.NewValidator(cfg.SchemaPath)
	if err != nil {
		return nil, err
	}
	p := provider.BuildProvider(provider.ModelCfg{
		APIURL:         cfg.APIURL,
		APIKey:         cfg.APIKey,
		Model:          cfg.Model,
		Headers:        cfg.Headers,
		SupportsVision: true,
	}, cfg.Timeout())
	logger.Infof("✓ 预言机模型 %s (%s)", p.Model(), p.ID())
	return decision.NewVisionOracle(p, validator, cfg.MaxTokens), nil
}

func buildLedgerStore(cfg brcfg.LedgerConfig) (*gormstore.GormStore, error) {
	return gormstore.NewGormStore(cfg.Path)
}

func buildNotifier(cfg brcfg.NotifyConfig) notifier.TextNotifier {
	tg := cfg.Telegram
	if !tg.Enabled {
		return notifier.Noop{}
	}
	return notifier.NewTelegram(tg.BotToken, tg.ChatID)
}
