// Package reconcile 定期比较本地仓位与券商权威仓位，并通过 session.Store 修正本地状态。
package reconcile

import (
	"time"

	"estrader/internal/gateway/broker"
	"estrader/internal/ledger"
	"estrader/internal/trader"
)

type Kind string

const (
	KindFullClose    Kind = "full_close"
	KindPartialClose Kind = "partial_close"
	KindSideMismatch Kind = "side_mismatch"
)

// LedgerKind 返回对应的流水类型。
func (k Kind) LedgerKind() string {
	switch k {
	case KindFullClose:
		return ledger.KindCorrectionFullClose
	case KindPartialClose:
		return ledger.KindCorrectionPartialClose
	default:
		return ledger.KindCorrectionSideMismatch
	}
}

// Discrepancy 是一次检测到的偏差，只在当次 tick 内使用。
type Discrepancy struct {
	Kind       Kind
	Local      trader.Position
	Remote     trader.Position
	DetectedAt time.Time
}

// Diff 比较本地与远端：
// 本地有仓远端无仓 → FullClose；双方有仓方向不同 → SideMismatch；同向远端更小 → PartialClose。
// 其他情况（包括本地空仓而远端有仓）不视为偏差。
func Diff(local, remote trader.Position) (Discrepancy, bool) {
	d := Discrepancy{Local: local.Clone(), Remote: remote.Clone()}
	switch {
	case local.IsFlat():
		return d, false
	case remote.IsFlat():
		d.Kind = KindFullClose
	case local.Side != remote.Side:
		d.Kind = KindSideMismatch
	case remote.Size < local.Size:
		d.Kind = KindPartialClose
	default:
		return d, false
	}
	return d, true
}

// FromRemote 把券商持仓转换为本地仓位视图。
func FromRemote(symbol string, r broker.RemotePosition) trader.Position {
	if r.IsFlat() {
		return trader.Flat(symbol)
	}
	return trader.Position{
		Symbol:     symbol,
		Side:       r.Side,
		Size:       r.Size,
		EntryPrice: r.AvgPrice,
		OpenedAt:   r.OpenedAt,
	}
}
