package decision

import "estrader/internal/trader"

// Sizing 控制缺省手数与上限。
type Sizing struct {
	Default int
	Max     int
}

// ToIntent 把解析结果转换为状态机意图。是否被接受由状态机判断。
func ToIntent(r Result, pos trader.Position, sizing Sizing) trader.Intent {
	in := trader.Intent{
		Kind:       trader.IntentHold,
		EntryPrice: r.EntryPrice,
		StopLoss:   r.StopLoss,
		TakeProfit: r.TakeProfit,
		Rationale:  r.Reasoning,
		Confidence: r.Confidence,
	}
	switch r.Action {
	case ActionBuy, ActionSell:
		in.Kind = trader.IntentEnter
		in.Side = trader.SideLong
		if r.Action == ActionSell {
			in.Side = trader.SideShort
		}
		in.Size = r.Size
		if in.Size <= 0 {
			in.Size = sizing.Default
		}
		if sizing.Max > 0 && in.Size > sizing.Max {
			in.Size = sizing.Max
		}
	case ActionAdjust:
		in.Kind = trader.IntentAdjust
	case ActionScale:
		in.Kind = trader.IntentScale
		in.Size = r.ScaleSize
		if in.Size <= 0 {
			in.Size = r.Size
		}
		if in.Size <= 0 {
			// 未指定时减半
			in.Size = pos.Size / 2
			if in.Size < 1 {
				in.Size = 1
			}
		}
	case ActionClose:
		in.Kind = trader.IntentClose
	}
	return in
}
