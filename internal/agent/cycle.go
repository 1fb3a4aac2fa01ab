package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"estrader/internal/calendar"
	"estrader/internal/decision"
	"estrader/internal/gateway/broker"
	"estrader/internal/gateway/capture"
	"estrader/internal/ledger"
	"estrader/internal/logger"
	"estrader/internal/pkg/text"
	"estrader/internal/scheduler"
	"estrader/internal/session"
	"estrader/internal/trace"
	"estrader/internal/trader"
	"estrader/internal/window"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Outcome 描述一轮循环的结局。
type Outcome string

const (
	OutcomeNotAdmissible Outcome = "not_admissible"
	OutcomePending       Outcome = "pending"
	OutcomeHold          Outcome = "hold"
	OutcomeExecuted      Outcome = "executed"
	OutcomeRejected      Outcome = "rejected"
	OutcomeStale         Outcome = "stale"
	OutcomeFailed        Outcome = "failed"
)

// CycleReport 是一轮循环的摘要，供状态接口展示。
type CycleReport struct {
	TraceID    string              `json:"trace_id"`
	Trigger    string              `json:"trigger"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Verdict    window.Verdict      `json:"verdict"`
	Variant    trader.Variant      `json:"variant"`
	Intent     trader.IntentKind   `json:"intent,omitempty"`
	Command    trader.CommandKind  `json:"command,omitempty"`
	Outcome    Outcome             `json:"outcome"`
	Confidence int                 `json:"confidence,omitempty"`
	Reasoning  string              `json:"reasoning,omitempty"`
	Error      string              `json:"error,omitempty"`
	Events     []string            `json:"events,omitempty"`
}

// verdict 组合交易窗口、节假日缓存与经济事件。
func (o *Orchestrator) verdict(at time.Time, s settings) (window.Verdict, []calendar.UpcomingEvent) {
	now := at.In(s.loc)
	var entry *window.HolidayEntry
	stale := false
	if s.holidays && o.holidays != nil {
		entry, stale = o.holidays.Lookup(now)
	}
	v := window.Evaluate(now, s.window, entry, s.windowOpts)
	if s.holidays && stale && entry == nil && s.failClosed {
		v.Admissible = false
		v.Reason = window.ReasonStaleCalendar
		v.EntriesAllowed = false
		v.EntryBlock = window.ReasonStaleCalendar
		v.Notice = "holiday calendar is stale"
	}
	var upcoming []calendar.UpcomingEvent
	if s.events.Enabled && o.events != nil {
		upcoming = o.events.Upcoming(now, s.events.MinutesBefore, s.events.MinutesAfter, s.events.Severities)
		if s.events.BlockNewEntries {
			for _, e := range upcoming {
				if strings.EqualFold(e.Severity, "high") {
					v.BlockEntries(window.ReasonEvent)
					break
				}
			}
		}
	}
	return v, upcoming
}

// RunCycle 执行完整的一轮。返回的 error 只用于日志；仓位不会因为错误被平掉。
func (o *Orchestrator) RunCycle(ctx context.Context, trigger scheduler.Source) (report CycleReport, err error) {
	s, err := o.settings()
	if err != nil {
		return report, err
	}
	report = CycleReport{TraceID: uuid.NewString(), Trigger: trigger.String(), StartedAt: o.now()}
	ctx, span := trace.StartSpan(ctx, "session.cycle",
		attribute.String("trace_id", report.TraceID),
		attribute.String("trigger", report.Trigger))
	log := logger.WithTrace(report.TraceID)
	defer func() {
		report.FinishedAt = o.now()
		if err != nil {
			report.Error = err.Error()
		}
		span.SetAttributes(attribute.String("outcome", string(report.Outcome)))
		trace.End(span, err)
		o.setLastCycle(report)
	}()

	if s.cycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cycleTimeout)
		defer cancel()
	}

	// 先做一次同步对账，保证本轮基于券商最新视图。
	if o.reconciler != nil {
		res, rerr := o.reconciler.Tick(ctx)
		if rerr != nil {
			log.Warn("cycle reconcile failed", "err", rerr)
		} else if res.Corrected {
			// 修正产生的 Immediate 覆盖由本轮消化。
			o.store.TakeOverrides()
		}
	} else if o.store.ExpirePending(s.pendingTimeout) {
		// 未接入对账时只能靠超时释放挂起命令。
		logger.Warnf("[agent] 挂起命令超过 %s 未确认，已释放", s.pendingTimeout)
	}

	snap := o.store.Snapshot()
	report.Variant = snap.Variant
	v, upcoming := o.verdict(o.now(), s)
	report.Verdict = v
	for _, e := range upcoming {
		report.Events = append(report.Events, e.String())
	}

	if !v.Admissible {
		report.Outcome = OutcomeNotAdmissible
		if !snap.Position.IsFlat() {
			logger.Warnf("[agent] 不在可交易时段（%s），持仓 %s %d 由服务端括号单保护", v.Reason, snap.Position.Side, snap.Position.Size)
		} else {
			logger.Infof("[agent] 不在可交易时段: %s %s", v.Reason, v.Notice)
		}
		return report, nil
	}
	if snap.PendingCommand != "" {
		report.Outcome = OutcomePending
		logger.Infof("[agent] 等待券商确认 %s（since %s），本轮跳过", snap.PendingCommand, snap.PendingSince.Format("15:04:05"))
		return report, nil
	}

	if v.ForceClose && !snap.Position.IsFlat() {
		logger.Warnf("[agent] 到达强平时间，平掉 %s %d", snap.Position.Side, snap.Position.Size)
		in := trader.Intent{
			Kind:      trader.IntentClose,
			Rationale: "force close time reached",
			Source:    ledger.SourceForceClose,
			TraceID:   report.TraceID,
		}
		report.Intent = in.Kind
		err = o.applyAndExecute(ctx, &report, in, v, snap.Generation)
		o.recordHealth(err)
		return report, err
	}

	shot, cerr := o.capturer.Capture(ctx)
	if cerr != nil {
		report.Outcome = OutcomeFailed
		err = session.Transient("capture", cerr)
		o.recordHealth(err)
		return report, err
	}
	if path := capture.Archive(s.captureArchive, shot); path != "" {
		logger.Debugf("[agent] 截图已保存 %s", path)
	}

	contextText := decision.BuildContext(decision.ContextInput{
		Now:      o.now().In(s.loc),
		Position: snap.Position,
		Stage:    snap.Stage,
		Verdict:  v,
		Events:   report.Events,
	})
	system, user, rerr := s.renderer.Render(snap.Variant, snap.Position, contextText)
	if rerr != nil {
		report.Outcome = OutcomeFailed
		return report, fmt.Errorf("render prompt: %w", rerr)
	}

	result, oerr := o.oracle.Decide(ctx, decision.Request{
		TraceID:   report.TraceID,
		Variant:   snap.Variant,
		System:    system,
		User:      user,
		Image:     shot.Image,
		ImageMIME: shot.MIME,
	})
	switch {
	case oerr == nil:
	case errors.Is(oerr, decision.ErrMalformedResponse):
		// 解析失败按 Hold 处理，不计入 IO 失败。
		log.Warn("oracle response malformed, holding", "err", oerr)
		result = decision.Hold(oerr.Error())
	default:
		report.Outcome = OutcomeFailed
		err = session.Transient("oracle", oerr)
		o.recordHealth(err)
		return report, err
	}
	report.Confidence = result.Confidence
	report.Reasoning = result.Reasoning
	if result.NextCheckSeconds > 0 && o.store.SetOracleInterval(result.NextCheckSeconds) {
		logger.Infof("[agent] 模型建议 %.0fs 后再次检查", result.NextCheckSeconds)
	}
	if m, ok := o.broker.(broker.Marker); ok && result.EntryPrice != nil {
		m.Mark(o.store.Symbol(), *result.EntryPrice)
	}

	in := decision.ToIntent(result, snap.Position, s.sizing)
	in.TraceID = report.TraceID
	report.Intent = in.Kind
	if in.Kind == trader.IntentHold {
		report.Outcome = OutcomeHold
		logger.Infof("[agent] Hold（置信度 %d）: %s", result.Confidence, text.OneLine(result.Reasoning, 160))
		o.recordHealth(nil)
		return report, nil
	}

	// 应用前重新计算准入，防止模型调用期间跨过时段边界。
	v, _ = o.verdict(o.now(), s)
	report.Verdict = v
	err = o.applyAndExecute(ctx, &report, in, v, snap.Generation)
	o.recordHealth(err)
	return report, err
}

// applyAndExecute 在锁内应用意图，随后在锁外调用券商并回写确认。
func (o *Orchestrator) applyAndExecute(ctx context.Context, report *CycleReport, in trader.Intent, v window.Verdict, gen uint64) error {
	cmd, err := o.store.Apply(in, admission(v), gen)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrStaleCycle):
		report.Outcome = OutcomeStale
		logger.Warnf("[agent] 本轮期间发生对账修正，丢弃意图 %s", in.Kind)
		return nil
	case errors.Is(err, trader.ErrStateConflict), errors.Is(err, trader.ErrNotAdmissible):
		report.Outcome = OutcomeRejected
		logger.Warnf("[agent] 意图 %s 被拒绝: %v", in.Kind, err)
		return nil
	default:
		report.Outcome = OutcomeFailed
		return err
	}
	if cmd.Empty() {
		report.Outcome = OutcomeHold
		return nil
	}
	report.Command = cmd.Kind
	if err := o.execute(ctx, cmd); err != nil {
		report.Outcome = OutcomeFailed
		return err
	}
	report.Outcome = OutcomeExecuted
	return nil
}

func (o *Orchestrator) recordHealth(err error) {
	switch {
	case err == nil:
		o.breaker.RecordSuccess()
	case errors.Is(err, session.ErrTransientIO):
		o.breaker.RecordFailure(err)
	}
}
