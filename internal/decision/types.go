package decision

import (
	"errors"
	"strings"
)

// 中文说明：
// 预言机（视觉模型）返回的结构化决策，以及到状态机意图的转换。

// ErrMalformedResponse 预言机输出无法解析或越界，本轮降级为 Hold。
var ErrMalformedResponse = errors.New("malformed oracle response")

type Action string

const (
	ActionHold   Action = "hold"
	ActionBuy    Action = "buy"
	ActionSell   Action = "sell"
	ActionAdjust Action = "adjust"
	ActionScale  Action = "scale"
	ActionClose  Action = "close"
)

var actionAliases = map[string]Action{
	"hold":       ActionHold,
	"wait":       ActionHold,
	"none":       ActionHold,
	"no_action":  ActionHold,
	"buy":        ActionBuy,
	"long":       ActionBuy,
	"open_long":  ActionBuy,
	"sell":       ActionSell,
	"short":      ActionSell,
	"open_short": ActionSell,
	"adjust":     ActionAdjust,
	"modify":     ActionAdjust,
	"trail":      ActionAdjust,
	"move_stop":  ActionAdjust,
	"scale":      ActionScale,
	"scale_out":  ActionScale,
	"partial":    ActionScale,
	"close":      ActionClose,
	"flatten":    ActionClose,
	"exit":       ActionClose,
}

// ParseAction 归一化动作别名。
func ParseAction(raw string) (Action, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	a, ok := actionAliases[key]
	return a, ok
}

// Result 是一次预言机输出的解析结果。
type Result struct {
	Action     Action   `json:"action"`
	Size       int      `json:"size,omitempty"`
	ScaleSize  int      `json:"scale_size,omitempty"`
	EntryPrice *float64 `json:"entry_price,omitempty"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
	Confidence int      `json:"confidence"`
	Reasoning  string   `json:"reasoning,omitempty"`
	// NextCheckSeconds 为 0 表示未给出或无效。
	NextCheckSeconds float64 `json:"next_check_seconds,omitempty"`
	RawJSON          string  `json:"-"`
}

// Hold 返回一个带说明的 Hold 结果。
func Hold(reason string) Result {
	return Result{Action: ActionHold, Reasoning: reason}
}
