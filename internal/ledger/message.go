package ledger

import (
	"fmt"
	"strings"

	"estrader/internal/gateway/notifier"
	"estrader/internal/trader"
)

// ShouldNotify 只推送成交、失败与对账修正类记录。
func ShouldNotify(kind string) bool {
	_, ok := kindTitles[kind]
	return ok
}

var kindTitles = map[string][2]string{
	string(trader.EventEntryFilled): {"🟢", "开仓成交"},
	string(trader.EventScaled):      {"🟡", "部分平仓"},
	string(trader.EventClosed):      {"🔴", "平仓完成"},
	string(trader.EventEntryFailed): {"⚠️", "开仓失败"},
	string(trader.EventCloseFailed): {"⚠️", "平仓失败"},
	KindCorrectionFullClose:         {"🔄", "对账修正：已全部平仓"},
	KindCorrectionPartialClose:      {"🔄", "对账修正：部分平仓"},
	KindCorrectionSideMismatch:      {"🔄", "对账修正：方向不一致"},
}

// FormatMessage 生成 Telegram 推送正文。
func FormatMessage(rec Record) string {
	head, ok := kindTitles[rec.Kind]
	if !ok {
		head = [2]string{"ℹ️", rec.Kind}
	}
	position := []string{fmt.Sprintf("%s %d → %s %d", rec.PriorSide, rec.PriorSize, rec.NewSide, rec.NewSize)}
	if rec.EntryPrice > 0 {
		position = append(position, fmt.Sprintf("入场: %.2f", rec.EntryPrice))
	}
	if rec.StopLoss != nil {
		position = append(position, fmt.Sprintf("止损: %.2f", *rec.StopLoss))
	}
	if rec.TakeProfit != nil {
		position = append(position, fmt.Sprintf("止盈: %.2f", *rec.TakeProfit))
	}
	var result []string
	if rec.ExitPrice != nil {
		result = append(result, fmt.Sprintf("出场: %.2f", *rec.ExitPrice))
	}
	if rec.RealizedPnL != nil {
		result = append(result, fmt.Sprintf("已实现盈亏: %+.2f", *rec.RealizedPnL))
	}
	if rec.Fees != nil {
		result = append(result, fmt.Sprintf("手续费: %.2f", *rec.Fees))
	}
	var notes []string
	if rec.AfterHoursNotice != "" {
		notes = append(notes, rec.AfterHoursNotice)
	}
	if r := strings.TrimSpace(rec.Rationale); r != "" {
		if rs := []rune(r); len(rs) > 280 {
			r = string(rs[:280]) + "…"
		}
		notes = append(notes, r)
	}
	msg := notifier.StructuredMessage{
		Icon:  head[0],
		Title: head[1] + " " + rec.Symbol,
		Sections: []notifier.MessageSection{
			{Title: "仓位", Lines: position},
			{Title: "结果", Lines: result},
			{Title: "说明", Lines: notes},
		},
		Footer:    "来源: " + rec.Source,
		Timestamp: rec.Timestamp,
	}
	return msg.RenderMarkdown()
}
