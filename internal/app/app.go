package app

import (
	"context"
	"fmt"

	"estrader/internal/agent"
	"estrader/internal/calendar"
	brcfg "estrader/internal/config"
	"estrader/internal/ledger"
	"estrader/internal/logger"
	"estrader/internal/reconcile"
	"estrader/internal/session"
	"estrader/internal/store/gormstore"
	livehttp "estrader/internal/transport/http/live"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动编排器、对账、日历刷新与 HTTP 控制面。
type App struct {
	cfg          *brcfg.Config
	watcher      *brcfg.Watcher
	store        *session.Store
	sink         *ledger.AsyncSink
	ledgerStore  *gormstore.GormStore
	reconciler   *reconcile.Engine
	refresher    *calendar.Refresher
	orchestrator *agent.Orchestrator
	httpServer   *livehttp.Server
	Summary      *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）。watcher 可为 nil，此时不支持热更新。
func NewApp(cfg *brcfg.Config, watcher *brcfg.Watcher) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg, watcher)
}

// Run 启动全部后台循环，任一返回错误或 ctx 取消时整体退出。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil || a.orchestrator == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	if a.watcher != nil {
		a.watcher.Subscribe(a.applyConfig)
		if err := a.watcher.Start(); err != nil {
			logger.Warnf("[config] 热更新未启用: %v", err)
		}
	}

	group, ctx := errgroup.WithContext(ctx)

	// 账本写入使用独立 ctx，保证其他循环退出后仍能写完缓冲。
	sinkCtx, stopSink := context.WithCancel(context.WithoutCancel(ctx))
	go func() { _ = a.sink.Run(sinkCtx) }()
	defer func() {
		stopSink()
		a.sink.Wait()
		written, failed, dropped := a.sink.Stats()
		logger.Infof("[ledger] 已写入 %d 条，失败 %d，丢弃 %d", written, failed, dropped)
		if err := a.ledgerStore.Close(); err != nil {
			logger.Warnf("[ledger] 关闭数据库失败: %v", err)
		}
	}()

	if a.httpServer != nil {
		group.Go(func() error {
			if err := a.httpServer.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	if a.refresher != nil {
		group.Go(func() error { return a.refresher.Run(ctx) })
	}
	if a.reconciler != nil {
		group.Go(func() error { return a.reconciler.Run(ctx) })
	}
	group.Go(func() error { return a.orchestrator.Run(ctx) })

	err := group.Wait()
	logger.Infof("[app] 已停止")
	return err
}

// applyConfig 把热更新的配置下发给持有可变参数的组件；其余设置由编排器每轮重新读取。
func (a *App) applyConfig(cfg *brcfg.Config) {
	if cfg == nil {
		return
	}
	if cfg.Session.Symbol != a.cfg.Session.Symbol {
		logger.Warnf("[config] session.symbol 变更（%s → %s）需要重启才能生效", a.cfg.Session.Symbol, cfg.Session.Symbol)
	}
	logger.SetLevel(cfg.App.LogLevel)
	a.store.SetRunnerTarget(cfg.Position.RunnerTargetSize)
	if a.reconciler != nil {
		a.reconciler.SetOptions(reconcileOptions(cfg))
	}
}

// Orchestrator 暴露编排器（命令行与测试使用）。
func (a *App) Orchestrator() *agent.Orchestrator {
	if a == nil {
		return nil
	}
	return a.orchestrator
}
