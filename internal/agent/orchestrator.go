// Package agent 是交易时段编排器：按间隔解析结果等待，检查交易窗口，
// 截图并询问预言机，把意图交给状态机，再在锁外调用券商执行。
package agent

import (
	"context"
	"sync"
	"time"

	"estrader/internal/calendar"
	"estrader/internal/decision"
	"estrader/internal/gateway/broker"
	"estrader/internal/gateway/capture"
	"estrader/internal/gateway/notifier"
	"estrader/internal/logger"
	"estrader/internal/pkg/circuit"
	"estrader/internal/reconcile"
	"estrader/internal/scheduler"
	"estrader/internal/session"
	"estrader/internal/window"
)

type OrchestratorParams struct {
	Config     ConfigSource
	Store      *session.Store
	Reconciler *reconcile.Engine
	Broker     broker.Broker
	Capturer   capture.Capturer
	Oracle     decision.Oracle
	Holidays   *calendar.Cache
	Events     *calendar.Events
	Notifier   notifier.TextNotifier
}

type Orchestrator struct {
	cfg        ConfigSource
	store      *session.Store
	reconciler *reconcile.Engine
	broker     broker.Broker
	capturer   capture.Capturer
	oracle     decision.Oracle
	holidays   *calendar.Cache
	events     *calendar.Events
	notifier   notifier.TextNotifier
	breaker    *circuit.CircuitBreaker

	mu        sync.Mutex
	last      settings
	lastCycle *CycleReport
	nowFn     func() time.Time
}

func NewOrchestrator(p OrchestratorParams) *Orchestrator {
	n := p.Notifier
	if n == nil {
		n = notifier.Noop{}
	}
	o := &Orchestrator{
		cfg:        p.Config,
		store:      p.Store,
		reconciler: p.Reconciler,
		broker:     p.Broker,
		capturer:   p.Capturer,
		oracle:     p.Oracle,
		holidays:   p.Holidays,
		events:     p.Events,
		notifier:   n,
		nowFn:      time.Now,
	}
	threshold := 5
	if cfg := p.Config.Current(); cfg != nil && cfg.Session.MaxConsecutiveFailures > 0 {
		threshold = cfg.Session.MaxConsecutiveFailures
	}
	o.breaker = circuit.NewCircuitBreaker("session", threshold, 10*time.Minute)
	o.breaker.SetStateChangeHandler(o.onBreakerChange)
	return o
}

// SetClock 替换时间源（测试用）。
func (o *Orchestrator) SetClock(fn func() time.Time) {
	if fn == nil {
		return
	}
	o.mu.Lock()
	o.nowFn = fn
	o.mu.Unlock()
	o.breaker.SetClock(fn)
}

func (o *Orchestrator) now() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nowFn()
}

// settings 编译当前配置；失败时沿用上一次成功的结果。
func (o *Orchestrator) settings() (settings, error) {
	cfg := o.cfg.Current()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last.version == cfg && cfg != nil {
		return o.last, nil
	}
	s, err := compileSettings(cfg)
	if err != nil {
		if o.last.version != nil {
			logger.Warnf("[agent] 配置编译失败，沿用旧配置: %v", err)
			return o.last, nil
		}
		return settings{}, err
	}
	o.last = s
	if s.maxFailures > 0 {
		o.breaker.SetThreshold(s.maxFailures)
	}
	return s, nil
}

// Run 是主循环：取出覆盖 → 解析等待 → 等待（可被唤醒）→ 执行一轮。
func (o *Orchestrator) Run(ctx context.Context) error {
	logger.Infof("[agent] 主循环启动 symbol=%s", o.store.Symbol())
	for {
		s, err := o.settings()
		if err != nil {
			return err
		}
		now := o.now().In(s.loc)
		res := s.resolver.Resolve(now, o.store.TakeOverrides())
		if res.Skip {
			logger.Infof("[agent] %s，%s 后重新检查", res.Reason, res.Wait.Round(time.Second))
		} else {
			logger.Debugf("[agent] 下一轮 %s 后执行（来源 %s %s）", res.Wait.Round(time.Second), res.Source, res.Reason)
		}
		switch scheduler.Wait(ctx, res.Wait, o.store.Wake()) {
		case scheduler.WaitCancelled:
			logger.Infof("[agent] 主循环退出")
			return nil
		case scheduler.WaitWoken:
			// Immediate 覆盖已写入 store，重新解析即可。
			continue
		}
		if res.Skip {
			continue
		}
		if _, err := o.RunCycle(ctx, res.Source); err != nil {
			logger.Warnf("[agent] %v", err)
		}
	}
}

// Trigger 手动要求立即执行一轮，等同于 Immediate 覆盖；不打断进行中的调用。
func (o *Orchestrator) Trigger(reason string) {
	if reason == "" {
		reason = "manual"
	}
	o.store.RaiseImmediate("manual: " + reason)
	logger.Infof("[agent] 收到手动触发: %s", reason)
}

// Verdict 计算 at 时刻的准入结论（含节假日缓存与经济事件），供接口和命令行使用。
func (o *Orchestrator) Verdict(at time.Time) (window.Verdict, []calendar.UpcomingEvent, error) {
	s, err := o.settings()
	if err != nil {
		return window.Verdict{}, nil, err
	}
	v, events := o.verdict(at, s)
	return v, events, nil
}

// Snapshot 返回会话状态快照。
func (o *Orchestrator) Snapshot() session.Snapshot { return o.store.Snapshot() }

// LastCycle 返回最近一轮的摘要。
func (o *Orchestrator) LastCycle() (CycleReport, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastCycle == nil {
		return CycleReport{}, false
	}
	return *o.lastCycle, true
}

// Breaker 暴露熔断器状态（只读用途）。
func (o *Orchestrator) Breaker() (circuit.State, int) {
	return o.breaker.State(), o.breaker.Failures()
}

func (o *Orchestrator) setLastCycle(r CycleReport) {
	o.mu.Lock()
	o.lastCycle = &r
	o.mu.Unlock()
}
