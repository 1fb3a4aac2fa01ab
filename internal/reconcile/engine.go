package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"estrader/internal/gateway/broker"
	"estrader/internal/logger"
	"estrader/internal/session"
	"estrader/internal/trace"

	"go.opentelemetry.io/otel/attribute"
)

// PositionSource 是对账需要的券商能力子集。
type PositionSource interface {
	GetPosition(ctx context.Context, symbol string) (broker.RemotePosition, error)
	GetRecentFills(ctx context.Context, symbol string, since time.Time) ([]broker.Fill, error)
}

type Options struct {
	Poll         time.Duration
	FillLookback time.Duration
	// AssumeClosedAfter 连续查询失败多少次后视为已平仓；0 表示永不推断。
	AssumeClosedAfter int
	// PendingTimeout 挂起命令超过该时长未确认则回退。
	PendingTimeout time.Duration
}

// Result 描述一次 tick 的结果。
type Result struct {
	Discrepancy *Discrepancy
	Corrected   bool
	Confirmed   bool
	Expired     bool
}

type Engine struct {
	store  *session.Store
	broker PositionSource
	opts   Options

	mu       sync.Mutex
	failures int
	nowFn    func() time.Time
	repoll   chan struct{}
}

func NewEngine(store *session.Store, b PositionSource, opts Options) *Engine {
	if opts.Poll <= 0 {
		opts.Poll = 10 * time.Second
	}
	if opts.FillLookback <= 0 {
		opts.FillLookback = 4 * time.Hour
	}
	return &Engine{store: store, broker: b, opts: opts, nowFn: time.Now, repoll: make(chan struct{}, 1)}
}

// SetClock 替换时间源（测试用）。
func (e *Engine) SetClock(fn func() time.Time) {
	if fn != nil {
		e.nowFn = fn
	}
}

// SetOptions 热更新参数，下一次 tick 生效；轮询周期变化时立即重置计时器。
func (e *Engine) SetOptions(opts Options) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if opts.Poll <= 0 {
		opts.Poll = e.opts.Poll
	}
	if opts.FillLookback <= 0 {
		opts.FillLookback = e.opts.FillLookback
	}
	changed := opts.Poll != e.opts.Poll
	e.opts = opts
	if changed {
		select {
		case e.repoll <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) poll() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts.Poll
}

// Failures 返回当前连续查询失败次数。
func (e *Engine) Failures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

// Run 按固定周期对账，直到 ctx 取消。
func (e *Engine) Run(ctx context.Context) error {
	poll := e.poll()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	logger.Infof("[reconcile] 启动，周期 %s", poll)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.repoll:
			poll = e.poll()
			ticker.Reset(poll)
			logger.Infof("[reconcile] 周期调整为 %s", poll)
		case <-ticker.C:
			if _, err := e.Tick(ctx); err != nil {
				logger.Warnf("[reconcile] %v", err)
			}
		}
	}
}

// Tick 执行一次对账。主循环与后台循环都会调用，串行执行。
// 券商查询失败视为本次无偏差。
func (e *Engine) Tick(ctx context.Context) (res Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	symbol := e.store.Symbol()
	ctx, span := trace.StartSpan(ctx, "reconcile.tick", attribute.String("symbol", symbol))
	defer func() {
		span.SetAttributes(attribute.Bool("corrected", res.Corrected))
		trace.End(span, err)
	}()

	if e.opts.PendingTimeout > 0 && e.store.ExpirePending(e.opts.PendingTimeout) {
		res.Expired = true
	}
	snap := e.store.Snapshot()

	remote, qerr := e.broker.GetPosition(ctx, symbol)
	note := ""
	if qerr != nil {
		e.failures++
		if !e.assumeClosed(snap) {
			return res, session.Transient("reconcile position query", qerr)
		}
		note = fmt.Sprintf("券商连续 %d 次查询失败，按策略视为已平仓", e.failures)
		logger.Warnf("[reconcile] %s", note)
		remote = broker.RemotePosition{}
	} else {
		e.failures = 0
	}
	remotePos := FromRemote(symbol, remote)

	if snap.PendingCommand != "" {
		if qerr != nil || !e.store.ConfirmFromRemote(remotePos) {
			return res, nil
		}
		res.Confirmed = true
		snap = e.store.Snapshot()
	}

	d, found := Diff(snap.Position, remotePos)
	if !found {
		return res, nil
	}
	d.DetectedAt = e.nowFn()
	res.Discrepancy = &d
	logger.Warnf("[reconcile] 发现偏差 %s: 本地 %s/%d 远端 %s/%d",
		d.Kind, d.Local.Side, d.Local.Size, d.Remote.Side, d.Remote.Size)

	correction := session.Correction{
		Kind:     d.Kind.LedgerKind(),
		Expected: d.Local,
		Remote:   d.Remote,
		Note:     note,
	}
	if qerr == nil && d.Kind != KindSideMismatch {
		e.attachFills(ctx, &correction, snap)
	}
	res.Corrected = e.store.ApplyCorrection(correction)
	return res, nil
}

func (e *Engine) assumeClosed(snap session.Snapshot) bool {
	n := e.opts.AssumeClosedAfter
	return n > 0 && e.failures >= n && !snap.Position.IsFlat() && snap.PendingCommand == ""
}

// attachFills 在修正前从成交历史找回出场价与已实现盈亏；失败只记录日志，不阻塞修正。
func (e *Engine) attachFills(ctx context.Context, c *session.Correction, snap session.Snapshot) {
	since := e.nowFn().Add(-e.opts.FillLookback)
	if opened := snap.Position.OpenedAt; opened.After(since) {
		since = opened
	}
	if last := snap.LastCorrection; last.After(since) {
		since = last
	}
	fills, err := e.broker.GetRecentFills(ctx, e.store.Symbol(), since)
	if err != nil {
		logger.Warnf("[reconcile] 获取成交失败，修正不带盈亏: %v", err)
		return
	}
	sum := broker.SummarizeFills(fills)
	c.ExitPrice = sum.ExitPrice
	c.RealizedPnL = sum.RealizedPnL
	c.Fees = sum.Fees
	if sum.Count == 0 {
		logger.Infof("[reconcile] %s 以来无成交记录", since.Format(time.RFC3339))
	}
}
