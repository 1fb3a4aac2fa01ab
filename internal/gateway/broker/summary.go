package broker

import (
	"sort"

	"github.com/shopspring/decimal"
)

// FillSummary 汇总一段时间内的平仓结果。
type FillSummary struct {
	ExitPrice   *float64
	ExitSize    int
	RealizedPnL *float64
	Fees        *float64
	Count       int
}

// SummarizeFills 用 decimal 汇总已实现盈亏与手续费，忽略作废成交。
// 出场价取最后一笔带 PnL 的成交价。
func SummarizeFills(fills []Fill) FillSummary {
	var out FillSummary
	if len(fills) == 0 {
		return out
	}
	ordered := make([]Fill, 0, len(fills))
	for _, f := range fills {
		if f.Voided {
			continue
		}
		ordered = append(ordered, f)
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].At.Before(ordered[j].At) })

	pnl := decimal.Zero
	fees := decimal.Zero
	closing := 0
	for _, f := range ordered {
		out.Count++
		fees = fees.Add(decimal.NewFromFloat(f.Fees))
		if f.PnL == nil {
			continue
		}
		closing++
		pnl = pnl.Add(decimal.NewFromFloat(*f.PnL))
		price := f.Price
		out.ExitPrice = &price
		out.ExitSize += f.Size
	}
	if out.Count == 0 {
		return out
	}
	if closing > 0 {
		v, _ := pnl.Round(2).Float64()
		out.RealizedPnL = &v
	}
	fv, _ := fees.Round(2).Float64()
	out.Fees = &fv
	return out
}

// Net 返回扣除手续费后的净盈亏。
func (s FillSummary) Net() *float64 {
	if s.RealizedPnL == nil {
		return nil
	}
	net := decimal.NewFromFloat(*s.RealizedPnL)
	if s.Fees != nil {
		net = net.Sub(decimal.NewFromFloat(*s.Fees))
	}
	v, _ := net.Round(2).Float64()
	return &v
}
