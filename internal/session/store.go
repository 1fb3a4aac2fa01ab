// Package session 持有主循环与对账循环共享的仓位/覆盖状态。
// 所有读写都在同一把锁内完成；网络调用必须在锁外进行。
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"estrader/internal/ledger"
	"estrader/internal/logger"
	"estrader/internal/scheduler"
	"estrader/internal/trader"

	"github.com/google/uuid"
)

var (
	// ErrTransientIO 表示网络/超时类失败：本轮按 Hold 处理，下一轮重试。
	ErrTransientIO = errors.New("transient io failure")
	// ErrStaleCycle 表示本轮开始后发生过对账修正，基于旧状态的意图被丢弃。
	ErrStaleCycle = errors.New("stale cycle")
)

// Transient 把错误归类为 TransientIO。
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrTransientIO, op, err)
}

// Snapshot 是某一时刻的只读视图。
type Snapshot struct {
	Position       trader.Position     `json:"position"`
	Stage          trader.Stage        `json:"stage"`
	Variant        trader.Variant      `json:"variant"`
	Generation     uint64              `json:"generation"`
	Override       *scheduler.Override `json:"pending_override,omitempty"`
	PendingCommand trader.CommandKind  `json:"pending_command,omitempty"`
	PendingSince   time.Time           `json:"pending_since,omitempty"`
	LastCorrection time.Time           `json:"last_correction,omitempty"`
}

// Correction 是对账引擎要求的一次本地修正。
type Correction struct {
	Kind     string
	Expected trader.Position
	Remote   trader.Position
	// 从成交历史中找回的结果，可为空
	ExitPrice   *float64
	RealizedPnL *float64
	Fees        *float64
	Note        string
	TraceID     string
}

type Store struct {
	mu        sync.Mutex
	symbol    string
	machine   *trader.Machine
	overrides scheduler.Overrides
	wake      chan struct{}
	gen       uint64
	sink      ledger.Sink
	dedup     time.Duration
	lastKey   string
	lastAt    time.Time
	nowFn     func() time.Time
}

func NewStore(symbol string, runnerTarget int, sink ledger.Sink, dedup time.Duration) *Store {
	if sink == nil {
		sink = ledger.SinkFunc(func(ledger.Record) {})
	}
	s := &Store{
		symbol: symbol,
		wake:   make(chan struct{}, 1),
		sink:   sink,
		dedup:  dedup,
		nowFn:  time.Now,
	}
	s.machine = trader.NewMachine(symbol, runnerTarget, func(t trader.Transition) {
		s.sink.Record(ledger.FromTransition(t, ledger.SourceCycle))
	})
	return s
}

// SetClock 替换时间源（测试用）。
func (s *Store) SetClock(fn func() time.Time) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
	s.machine.SetClock(fn)
}

// SetRunnerTarget 热更新 runner 目标手数。
func (s *Store) SetRunnerTarget(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machine.SetRunnerTarget(n)
}

func (s *Store) Symbol() string { return s.symbol }

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Position:       s.machine.Position(),
		Stage:          s.machine.Stage(),
		Variant:        s.machine.Variant(),
		Generation:     s.gen,
		LastCorrection: s.lastAt,
	}
	if o, ok := s.overrides.Pending(); ok {
		snap.Override = &o
	}
	if cmd, since, ok := s.machine.PendingCommand(); ok {
		snap.PendingCommand = cmd.Kind
		snap.PendingSince = since
	}
	return snap
}

// Apply 在锁内重新校验当前状态后应用意图。gen 是本轮开始时读到的代数；
// 期间发生过修正则返回 ErrStaleCycle，意图不生效。
func (s *Store) Apply(in trader.Intent, adm trader.Admission, gen uint64) (trader.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return trader.Command{}, fmt.Errorf("%w: generation %d -> %d", ErrStaleCycle, gen, s.gen)
	}
	return s.machine.Apply(in, adm)
}

// Confirm 按命令类型确认挂起中的操作。
func (s *Store) Confirm(kind trader.CommandKind, f trader.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmLocked(kind, f)
}

func (s *Store) confirmLocked(kind trader.CommandKind, f trader.Fill) error {
	switch kind {
	case trader.CommandPlaceEntry:
		return s.machine.ConfirmEntry(f)
	case trader.CommandModifyBrackets:
		return s.machine.ConfirmAdjust()
	case trader.CommandClosePartial:
		return s.machine.ConfirmScale(f)
	case trader.CommandCloseAll:
		return s.machine.ConfirmClose(f)
	}
	return fmt.Errorf("confirm: unknown command %q", kind)
}

func (s *Store) FailPending(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.FailPending(reason)
}

func (s *Store) ExpirePending(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.ExpirePending(timeout)
}

// ConfirmFromRemote 用券商持仓确认挂起的命令。返回 true 表示已确认。
// 远端尚未体现预期变化时保持挂起。
func (s *Store) ConfirmFromRemote(remote trader.Position) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, _, ok := s.machine.PendingCommand()
	if !ok {
		return false
	}
	local := s.machine.Position()
	f := trader.Fill{Size: remote.Size, Price: remote.EntryPrice, At: s.nowFn()}
	switch cmd.Kind {
	case trader.CommandPlaceEntry:
		if remote.IsFlat() || remote.Side != cmd.Side {
			return false
		}
	case trader.CommandClosePartial:
		if remote.IsFlat() || remote.Side != local.Side || remote.Size >= local.Size {
			return false
		}
		f = trader.Fill{Size: local.Size - remote.Size, At: s.nowFn()}
	case trader.CommandCloseAll:
		if !remote.IsFlat() {
			return false
		}
		f = trader.Fill{Size: local.Size, At: s.nowFn()}
	default:
		return false
	}
	if err := s.confirmLocked(cmd.Kind, f); err != nil {
		logger.Warnf("[session] 远端确认失败 cmd=%s err=%v", cmd.Kind, err)
		return false
	}
	logger.Infof("[session] 远端持仓确认 %s side=%s size=%d", cmd.Kind, remote.Side, remote.Size)
	return true
}

// ApplyCorrection 原子地完成：去重 → 写流水 → 本地对齐远端 → Immediate 覆盖。
// Expected 与当前本地不一致时（主循环在此期间已改变状态）放弃，由下一次对账重新比较。
func (s *Store) ApplyCorrection(c Correction) bool {
	s.mu.Lock()
	local := s.machine.Position()
	if local.Side != c.Expected.Side || local.Size != c.Expected.Size {
		s.mu.Unlock()
		logger.Debugf("[session] 修正放弃：本地状态已变化 %s/%d -> %s/%d", c.Expected.Side, c.Expected.Size, local.Side, local.Size)
		return false
	}
	now := s.nowFn()
	// 带上本地持仓的 trade id 与开仓时间，重新开仓后的同形修正不会被误判为重复。
	key := fmt.Sprintf("%s|%s|%d|%s|%d|%s|%d", c.Kind, local.Side, local.Size, c.Remote.Side, c.Remote.Size,
		local.TradeID, local.OpenedAt.UnixNano())
	if s.dedup > 0 && key == s.lastKey && now.Sub(s.lastAt) < s.dedup {
		s.mu.Unlock()
		logger.Debugf("[session] 修正在 %s 内重复，忽略 %s", s.dedup, key)
		return false
	}
	rec := s.correctionRecord(c, local, now)
	s.sink.Record(rec)
	s.machine.Correct(c.Remote)
	s.gen++
	s.lastKey, s.lastAt = key, now
	s.overrides.RaiseImmediate("reconcile " + c.Kind)
	s.signal()
	s.mu.Unlock()

	logger.Warnf("[session] 对账修正 %s: %s/%d -> %s/%d", c.Kind, local.Side, local.Size, c.Remote.Side, c.Remote.Size)
	return true
}

func (s *Store) correctionRecord(c Correction, local trader.Position, now time.Time) ledger.Record {
	traceID := c.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	newSide := c.Remote.Side
	if c.Remote.IsFlat() {
		newSide = trader.SideNone
	}
	return ledger.Record{
		ID:          uuid.NewString(),
		TraceID:     traceID,
		Timestamp:   now,
		Kind:        c.Kind,
		Symbol:      s.symbol,
		PriorSide:   string(local.Side),
		PriorSize:   local.Size,
		NewSide:     string(newSide),
		NewSize:     c.Remote.Size,
		EntryPrice:  local.EntryPrice,
		StopLoss:    local.StopLoss,
		TakeProfit:  local.TakeProfit,
		ExitPrice:   c.ExitPrice,
		RealizedPnL: c.RealizedPnL,
		Fees:        c.Fees,
		Rationale:   c.Note,
		Admissible:  true,
		Source:      ledger.SourceReconcile,
	}
}

// RaiseImmediate 设置 Immediate 覆盖并打断当前等待（手动触发也走这里）。
func (s *Store) RaiseImmediate(reason string) {
	s.mu.Lock()
	s.overrides.RaiseImmediate(reason)
	s.signal()
	s.mu.Unlock()
}

// SetOracleInterval 记录模型建议的下次间隔，非法值被忽略。
func (s *Store) SetOracleInterval(seconds float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overrides.SetOracle(seconds)
}

// TakeOverrides 取出并清空全部覆盖，同时清掉已经被这些覆盖代表的唤醒信号。
func (s *Store) TakeOverrides() []scheduler.Override {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.wake:
	default:
	}
	return s.overrides.Take()
}

func (s *Store) Wake() <-chan struct{} { return s.wake }

// signal 在持锁时调用，保证与 TakeOverrides 的清空互斥。
func (s *Store) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
