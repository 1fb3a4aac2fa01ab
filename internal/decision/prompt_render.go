package decision

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"estrader/internal/trader"
	"estrader/internal/window"
)

// Renderer 按持仓形态选择模板并替换占位符。
type Renderer struct {
	System    string
	Templates map[trader.Variant]string
}

func NewRenderer(system string, templates map[trader.Variant]string) *Renderer {
	return &Renderer{System: system, Templates: templates}
}

// Template 返回 variant 对应的模板；runner 缺省时退回 long/short 模板。
func (r *Renderer) Template(variant trader.Variant, side trader.Side) (string, error) {
	if tpl := strings.TrimSpace(r.Templates[variant]); tpl != "" {
		return tpl, nil
	}
	if variant == trader.VariantRunner {
		fallback := trader.VariantLong
		if side == trader.SideShort {
			fallback = trader.VariantShort
		}
		if tpl := strings.TrimSpace(r.Templates[fallback]); tpl != "" {
			return tpl, nil
		}
	}
	return "", fmt.Errorf("no prompt template for variant %s", variant)
}

// Render 返回 system 与 user 提示词；contextText 追加在模板之后。
func (r *Renderer) Render(variant trader.Variant, pos trader.Position, contextText string) (string, string, error) {
	tpl, err := r.Template(variant, pos.Side)
	if err != nil {
		return "", "", err
	}
	user := placeholders(pos).Replace(tpl)
	if ctx := strings.TrimSpace(contextText); ctx != "" {
		user += "\n\n" + ctx
	}
	return r.System, user, nil
}

func placeholders(pos trader.Position) *strings.Replacer {
	return strings.NewReplacer(
		"{symbol}", pos.Symbol,
		"{side}", string(pos.Side),
		"{size}", strconv.Itoa(pos.Size),
		"{entry}", formatPrice(&pos.EntryPrice),
		"{stop}", formatPrice(pos.StopLoss),
		"{target}", formatPrice(pos.TakeProfit),
		"{runner_size}", strconv.Itoa(pos.RunnerTargetSize),
	)
}

func formatPrice(v *float64) string {
	if v == nil || *v == 0 {
		return "n/a"
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

// ContextInput 是附在提示词后的运行上下文。
type ContextInput struct {
	Now      time.Time
	Position trader.Position
	Stage    trader.Stage
	Verdict  window.Verdict
	Events   []string
}

// BuildContext 生成给模型看的上下文文本。
func BuildContext(in ContextInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Time: %s\n", in.Now.Format("2006-01-02 15:04:05 MST (Mon)"))
	if in.Position.IsFlat() {
		b.WriteString("Position: flat\n")
	} else {
		p := in.Position
		fmt.Fprintf(&b, "Position: %s %d @ %s, stop %s, target %s", p.Side, p.Size,
			formatPrice(&p.EntryPrice), formatPrice(p.StopLoss), formatPrice(p.TakeProfit))
		if p.RunnerTargetSize > 0 {
			fmt.Fprintf(&b, ", runner size %d", p.RunnerTargetSize)
		}
		b.WriteString("\n")
	}
	v := in.Verdict
	if v.EntriesAllowed {
		b.WriteString("New entries: allowed\n")
	} else {
		fmt.Fprintf(&b, "New entries: blocked (%s); manage the open position only\n", v.EntryBlock)
	}
	if v.AdjustedStop != nil {
		fmt.Fprintf(&b, "Session stops early at %s\n", v.AdjustedStop.Format("15:04"))
	}
	if v.Notice != "" {
		fmt.Fprintf(&b, "Notice: %s\n", v.Notice)
	}
	if len(in.Events) > 0 {
		b.WriteString("Upcoming economic events:\n")
		for _, e := range in.Events {
			b.WriteString("- " + e + "\n")
		}
	}
	b.WriteString(`Reply with one JSON object: {"action": "buy|sell|hold|adjust|scale|close", "size", "scale_size", "entry_price", "stop_loss", "price_target", "confidence" (0-100), "reasoning", "next_check_seconds"}.`)
	return b.String()
}
