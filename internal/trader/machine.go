package trader

import (
	"fmt"
	"time"

	"estrader/internal/logger"
)

// pending remembers what an in-flight command will change once confirmed.
type pending struct {
	command    Command
	priorStage Stage
	prior      Position
	admission  Admission
	since      time.Time
}

// Machine is the position state machine. It is not safe for concurrent use;
// session.Store serialises access.
type Machine struct {
	pos          Position
	stage        Stage
	pending      *pending
	runnerTarget int
	registry     *HandlerRegistry
	emit         func(Transition)
	nowFn        func() time.Time
}

// NewMachine creates a flat machine. emit receives every accepted transition.
func NewMachine(symbol string, runnerTarget int, emit func(Transition)) *Machine {
	reg := NewHandlerRegistry()
	reg.RegisterDefaultHandlers()
	if emit == nil {
		emit = func(Transition) {}
	}
	return &Machine{
		pos:          Flat(symbol),
		stage:        StageNone,
		runnerTarget: runnerTarget,
		registry:     reg,
		emit:         emit,
		nowFn:        time.Now,
	}
}

// SetClock overrides time.Now, for tests.
func (m *Machine) SetClock(fn func() time.Time) {
	if fn != nil {
		m.nowFn = fn
	}
}

// SetRunnerTarget updates the runner policy for future entries.
func (m *Machine) SetRunnerTarget(n int) {
	if n < 0 {
		n = 0
	}
	m.runnerTarget = n
}

func (m *Machine) Position() Position { return m.pos.Clone() }
func (m *Machine) Stage() Stage       { return m.stage }
func (m *Machine) Variant() Variant   { return VariantFor(m.pos) }

// PendingCommand returns the in-flight command, if any.
func (m *Machine) PendingCommand() (Command, time.Time, bool) {
	if m.pending == nil {
		return Command{}, time.Time{}, false
	}
	return m.pending.command, m.pending.since, true
}

// Apply validates the intent and, when accepted, moves the machine into the
// matching pending stage and returns the broker command to execute.
// Hold returns an empty command and no error.
func (m *Machine) Apply(in Intent, adm Admission) (Command, error) {
	h, ok := m.registry.Get(in.Kind)
	if !ok {
		return Command{}, conflict("unknown intent %q", in.Kind)
	}
	return h.Handle(&HandlerContext{machine: m}, in, adm)
}

// ConfirmEntry completes an EnteringPending entry.
func (m *Machine) ConfirmEntry(f Fill) error {
	if m.stage != StageEnteringPending || m.pending == nil {
		return conflict("entry confirmation in stage %s", m.stage)
	}
	cmd, adm := m.pending.command, m.pending.admission
	prior, priorStage := m.pos.Clone(), m.stage
	size := f.Size
	if size <= 0 {
		size = cmd.Size
	}
	price := f.Price
	if price <= 0 && cmd.EntryPrice != nil {
		price = *cmd.EntryPrice
	}
	m.pos = Position{
		Symbol:           m.pos.Symbol,
		Side:             cmd.Side,
		Size:             size,
		EntryPrice:       price,
		StopLoss:         clonePrice(cmd.StopLoss),
		TakeProfit:       clonePrice(cmd.TakeProfit),
		TradeID:          f.TradeID,
		OpenedAt:         fillTime(f, m.nowFn),
		RunnerTargetSize: m.runnerTargetFor(size),
	}
	m.stage = restingStage(m.pos, false)
	m.pending = nil
	m.record(EventEntryFilled, prior, priorStage, cmd.Intent, adm, &f, "")
	return nil
}

// ConfirmAdjust acknowledges the optimistic bracket update.
func (m *Machine) ConfirmAdjust() error {
	if m.stage != StageAdjusting || m.pending == nil {
		return conflict("adjust confirmation in stage %s", m.stage)
	}
	m.stage = m.pending.priorStage
	m.pending = nil
	return nil
}

// ConfirmScale completes a Scaling partial close.
func (m *Machine) ConfirmScale(f Fill) error {
	if m.stage != StageScaling || m.pending == nil {
		return conflict("scale confirmation in stage %s", m.stage)
	}
	cmd, adm := m.pending.command, m.pending.admission
	prior, priorStage := m.pos.Clone(), m.stage
	// The command size is authoritative here; a broker that filled a
	// different amount shows up as a PartialClose on the next reconcile.
	remaining := m.pos.Size - cmd.Size
	if remaining <= 0 {
		m.pos = Flat(m.pos.Symbol)
	} else {
		m.pos.Size = remaining
	}
	m.stage = restingStage(m.pos, true)
	m.pending = nil
	m.record(EventScaled, prior, priorStage, cmd.Intent, adm, &f, "")
	return nil
}

// ConfirmClose completes a ClosingPending close.
func (m *Machine) ConfirmClose(f Fill) error {
	if m.stage != StageClosingPending || m.pending == nil {
		return conflict("close confirmation in stage %s", m.stage)
	}
	cmd, adm := m.pending.command, m.pending.admission
	prior, priorStage := m.pos.Clone(), m.stage
	m.pos = Flat(m.pos.Symbol)
	m.stage = StageNone
	m.pending = nil
	m.record(EventClosed, prior, priorStage, cmd.Intent, adm, &f, "")
	return nil
}

// FailPending rolls back the in-flight command after a broker error.
func (m *Machine) FailPending(reason string) error {
	if m.pending == nil {
		return conflict("no pending command")
	}
	p := m.pending
	prior, priorStage := m.pos.Clone(), m.stage
	var kind EventKind
	switch m.stage {
	case StageEnteringPending:
		kind = EventEntryFailed
	case StageAdjusting:
		kind = EventAdjustReverted
		m.pos.StopLoss = clonePrice(p.prior.StopLoss)
		m.pos.TakeProfit = clonePrice(p.prior.TakeProfit)
	case StageScaling:
		kind = EventScaleFailed
	case StageClosingPending:
		kind = EventCloseFailed
	default:
		return conflict("stage %s has no pending command", m.stage)
	}
	m.stage = p.priorStage
	m.pending = nil
	m.record(kind, prior, priorStage, p.command.Intent, p.admission, nil, reason)
	return nil
}

// ExpirePending drops a pending command older than timeout. It returns true
// when something was expired.
func (m *Machine) ExpirePending(timeout time.Duration) bool {
	if m.pending == nil || timeout <= 0 {
		return false
	}
	if m.nowFn().Sub(m.pending.since) < timeout {
		return false
	}
	p := m.pending
	prior, priorStage := m.pos.Clone(), m.stage
	// An expired adjust keeps the optimistic brackets.
	m.stage = p.priorStage
	m.pending = nil
	logger.Warnf("Trader: pending %s expired after %s, back to %s", p.command.Kind, timeout, m.stage)
	m.record(EventPendingExpired, prior, priorStage, p.command.Intent, p.admission, nil, fmt.Sprintf("no confirmation within %s", timeout))
	return true
}

// Correct overwrites the local position with the authoritative remote view.
// Brackets and trade id survive when the side is unchanged. The caller emits
// the ledger record.
func (m *Machine) Correct(remote Position) {
	local := m.pos
	next := Flat(local.Symbol)
	if !remote.IsFlat() {
		next = remote.Clone()
		next.Symbol = local.Symbol
		if remote.Side == local.Side {
			next.StopLoss = clonePrice(local.StopLoss)
			next.TakeProfit = clonePrice(local.TakeProfit)
			if next.TradeID == "" {
				next.TradeID = local.TradeID
			}
			if next.OpenedAt.IsZero() {
				next.OpenedAt = local.OpenedAt
			}
			next.RunnerTargetSize = local.RunnerTargetSize
			if next.RunnerTargetSize > next.Size {
				next.RunnerTargetSize = next.Size
			}
		} else {
			next.RunnerTargetSize = m.runnerTargetFor(next.Size)
			if next.OpenedAt.IsZero() {
				next.OpenedAt = m.nowFn()
			}
		}
	}
	m.pos = next
	m.stage = restingStage(next, true)
	m.pending = nil
}

// runnerTargetFor only keeps a runner when the entry is larger than it.
func (m *Machine) runnerTargetFor(size int) int {
	if m.runnerTarget > 0 && size > m.runnerTarget {
		return m.runnerTarget
	}
	return 0
}

func restingStage(p Position, allowRunner bool) Stage {
	switch {
	case p.IsFlat():
		return StageNone
	case allowRunner && VariantFor(p) == VariantRunner:
		return StageRunnerActive
	default:
		return StageActive
	}
}

func (m *Machine) begin(cmd Command, adm Admission) {
	m.pending = &pending{command: cmd, priorStage: m.stage, prior: m.pos.Clone(), admission: adm, since: m.nowFn()}
}

func (m *Machine) record(kind EventKind, prior Position, priorStage Stage, in Intent, adm Admission, f *Fill, note string) {
	m.emit(Transition{
		Kind:       kind,
		At:         m.nowFn(),
		Prior:      prior,
		New:        m.pos.Clone(),
		PriorStage: priorStage,
		NewStage:   m.stage,
		Intent:     in,
		Admission:  adm,
		Fill:       f,
		Note:       note,
	})
}

func fillTime(f Fill, now func() time.Time) time.Time {
	if !f.At.IsZero() {
		return f.At
	}
	return now()
}
