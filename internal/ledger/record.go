// Package ledger 定义仓位流水记录以及非阻塞写入管道。
package ledger

import (
	"context"
	"encoding/json"
	"time"

	"estrader/internal/trader"

	"github.com/google/uuid"
)

// 对账修正产生的记录类型，其余类型沿用 trader.EventKind。
const (
	KindCorrectionFullClose    = "correction_full_close"
	KindCorrectionPartialClose = "correction_partial_close"
	KindCorrectionSideMismatch = "correction_side_mismatch"
)

// 记录来源。
const (
	SourceCycle      = "cycle"
	SourceReconcile  = "reconcile"
	SourceManual     = "manual"
	SourceForceClose = "force_close"
)

// Record 是一条追加写入的仓位流水。
type Record struct {
	ID                  string          `json:"id"`
	TraceID             string          `json:"trace_id,omitempty"`
	Timestamp           time.Time       `json:"timestamp"`
	Kind                string          `json:"kind"`
	Symbol              string          `json:"symbol"`
	PriorSide           string          `json:"prior_side"`
	PriorSize           int             `json:"prior_size"`
	NewSide             string          `json:"new_side"`
	NewSize             int             `json:"new_size"`
	EntryPrice          float64         `json:"entry_price,omitempty"`
	StopLoss            *float64        `json:"stop_loss,omitempty"`
	TakeProfit          *float64        `json:"take_profit,omitempty"`
	ExitPrice           *float64        `json:"exit_price,omitempty"`
	RealizedPnL         *float64        `json:"realized_pnl,omitempty"`
	Fees                *float64        `json:"fees,omitempty"`
	Rationale           string          `json:"rationale,omitempty"`
	Confidence          int             `json:"confidence"`
	Admissible          bool            `json:"admissible"`
	AdmissibilityReason string          `json:"admissibility_reason,omitempty"`
	AfterHoursNotice    string          `json:"after_hours_notice,omitempty"`
	Source              string          `json:"source"`
	Raw                 json.RawMessage `json:"raw,omitempty"`
}

// Sink 接收流水记录；实现不得阻塞调用方。
type Sink interface {
	Record(rec Record)
}

// Writer 是持久化后端。
type Writer interface {
	Append(ctx context.Context, rec Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// SinkFunc 让普通函数满足 Sink。
type SinkFunc func(Record)

func (f SinkFunc) Record(rec Record) { f(rec) }

// FromTransition 把状态机迁移转换为流水。
func FromTransition(t trader.Transition, source string) Record {
	rec := Record{
		ID:                  uuid.NewString(),
		TraceID:             t.Intent.TraceID,
		Timestamp:           t.At,
		Kind:                string(t.Kind),
		Symbol:              t.New.Symbol,
		PriorSide:           string(t.Prior.Side),
		PriorSize:           t.Prior.Size,
		NewSide:             string(t.New.Side),
		NewSize:             t.New.Size,
		EntryPrice:          t.New.EntryPrice,
		StopLoss:            t.New.StopLoss,
		TakeProfit:          t.New.TakeProfit,
		Rationale:           t.Intent.Rationale,
		Confidence:          t.Intent.Confidence,
		Admissible:          t.Admission.Admissible,
		AdmissibilityReason: t.Admission.Reason,
		AfterHoursNotice:    t.Admission.Notice,
		Source:              source,
	}
	if rec.Symbol == "" {
		rec.Symbol = t.Prior.Symbol
	}
	if rec.EntryPrice == 0 {
		rec.EntryPrice = t.Prior.EntryPrice
	}
	if t.Intent.Source != "" {
		rec.Source = t.Intent.Source
	}
	if t.Note != "" && rec.Rationale == "" {
		rec.Rationale = t.Note
	} else if t.Note != "" {
		rec.Rationale += " | " + t.Note
	}
	if f := t.Fill; f != nil {
		if f.Price > 0 && (t.Kind == trader.EventClosed || t.Kind == trader.EventScaled) {
			px := f.Price
			rec.ExitPrice = &px
		}
		rec.RealizedPnL = f.RealizedPnL
		rec.Fees = f.Fees
	}
	if raw, err := json.Marshal(t.Intent); err == nil {
		rec.Raw = raw
	}
	return rec
}
