package trader

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrStateConflict marks an intent that does not fit the current position.
	ErrStateConflict = errors.New("state conflict")
	// ErrNotAdmissible marks an intent rejected by the trading window.
	ErrNotAdmissible = errors.New("not admissible")
)

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStateConflict, fmt.Sprintf(format, args...))
}

// Side of a position.
type Side string

const (
	SideNone  Side = "none"
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ParseSide accepts long/short and the buy/sell aliases.
func ParseSide(raw string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long", "buy":
		return SideLong, true
	case "short", "sell":
		return SideShort, true
	case "none", "flat", "":
		return SideNone, true
	}
	return SideNone, false
}

// Stage is the lifecycle stage of the local position.
type Stage string

const (
	StageNone            Stage = "none"
	StageEnteringPending Stage = "entering_pending"
	StageActive          Stage = "active"
	StageAdjusting       Stage = "adjusting"
	StageScaling         Stage = "scaling"
	StageRunnerActive    Stage = "runner_active"
	StageClosingPending  Stage = "closing_pending"
)

// Pending reports whether the stage waits on a broker confirmation.
func (s Stage) Pending() bool {
	switch s {
	case StageEnteringPending, StageAdjusting, StageScaling, StageClosingPending:
		return true
	}
	return false
}

// Position is the locally believed position.
type Position struct {
	Symbol           string    `json:"symbol"`
	Side             Side      `json:"side"`
	Size             int       `json:"size"`
	EntryPrice       float64   `json:"entry_price"`
	StopLoss         *float64  `json:"stop_loss,omitempty"`
	TakeProfit       *float64  `json:"take_profit,omitempty"`
	TradeID          string    `json:"trade_id,omitempty"`
	OpenedAt         time.Time `json:"opened_at,omitempty"`
	RunnerTargetSize int       `json:"runner_target_size"`
}

// Flat returns an empty position for symbol.
func Flat(symbol string) Position {
	return Position{Symbol: symbol, Side: SideNone}
}

func (p Position) IsFlat() bool { return p.Side == SideNone || p.Size <= 0 }

// Clone deep-copies the optional price fields.
func (p Position) Clone() Position {
	p.StopLoss = clonePrice(p.StopLoss)
	p.TakeProfit = clonePrice(p.TakeProfit)
	return p
}

func clonePrice(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Variant selects the oracle prompt for the next cycle.
type Variant string

const (
	VariantFlat   Variant = "flat"
	VariantLong   Variant = "long"
	VariantShort  Variant = "short"
	VariantRunner Variant = "runner"
)

// VariantFor derives the prompt variant purely from the position.
func VariantFor(p Position) Variant {
	switch {
	case p.IsFlat():
		return VariantFlat
	case p.RunnerTargetSize > 0 && p.Size == p.RunnerTargetSize:
		return VariantRunner
	case p.Side == SideShort:
		return VariantShort
	default:
		return VariantLong
	}
}

// IntentKind enumerates what the oracle may ask for.
type IntentKind string

const (
	IntentHold   IntentKind = "hold"
	IntentEnter  IntentKind = "enter"
	IntentAdjust IntentKind = "adjust"
	IntentScale  IntentKind = "scale"
	IntentClose  IntentKind = "close"
)

// Intent is a validated request to change the position. For Scale, Size is
// the number of contracts to close.
type Intent struct {
	Kind       IntentKind `json:"kind"`
	Side       Side       `json:"side,omitempty"`
	Size       int        `json:"size,omitempty"`
	EntryPrice *float64   `json:"entry_price,omitempty"`
	StopLoss   *float64   `json:"stop_loss,omitempty"`
	TakeProfit *float64   `json:"take_profit,omitempty"`
	Rationale  string     `json:"rationale,omitempty"`
	Confidence int        `json:"confidence"`
	Source     string     `json:"source,omitempty"`
	TraceID    string     `json:"trace_id,omitempty"`
}

// Admission is the window verdict the intent was evaluated under.
type Admission struct {
	Admissible     bool
	Reason         string
	EntriesAllowed bool
	EntryBlock     string
	Notice         string
}

// CommandKind is the broker call an accepted intent requires.
type CommandKind string

const (
	CommandNone           CommandKind = ""
	CommandPlaceEntry     CommandKind = "place_entry"
	CommandModifyBrackets CommandKind = "modify_brackets"
	CommandClosePartial   CommandKind = "close_partial"
	CommandCloseAll       CommandKind = "close_all"
)

// Command is handed to the broker collaborator outside the store lock.
type Command struct {
	Kind       CommandKind
	Symbol     string
	Side       Side
	Size       int
	EntryPrice *float64
	StopLoss   *float64
	TakeProfit *float64
	Intent     Intent
	Prior      Position
}

func (c Command) Empty() bool { return c.Kind == CommandNone }

// Fill is a broker confirmation for a pending command.
type Fill struct {
	Size        int
	Price       float64
	TradeID     string
	RealizedPnL *float64
	Fees        *float64
	At          time.Time
}

// EventKind labels ledger-worthy transitions.
type EventKind string

const (
	EventEntryRequested EventKind = "entry_requested"
	EventEntryFilled    EventKind = "entry_filled"
	EventEntryFailed    EventKind = "entry_failed"
	EventAdjusted       EventKind = "adjusted"
	EventAdjustReverted EventKind = "adjust_reverted"
	EventScaleRequested EventKind = "scale_requested"
	EventScaled         EventKind = "scaled"
	EventScaleFailed    EventKind = "scale_failed"
	EventCloseRequested EventKind = "close_requested"
	EventClosed         EventKind = "closed"
	EventCloseFailed    EventKind = "close_failed"
	EventPendingExpired EventKind = "pending_expired"
)

// Transition describes one accepted state change.
type Transition struct {
	Kind       EventKind
	At         time.Time
	Prior      Position
	New        Position
	PriorStage Stage
	NewStage   Stage
	Intent     Intent
	Admission  Admission
	Fill       *Fill
	Note       string
}
