package scheduler

import (
	"fmt"
	"time"

	"estrader/internal/window"
)

// Rule 是日程表中的一段：Range 内使用 Interval，Skip 表示整段跳过。
type Rule struct {
	Range    window.Range
	Interval time.Duration
	Skip     bool
}

// Table 按时段决定周期，先匹配者优先。
type Table []Rule

// ParseRule 解析 "09:30-11:00" 与 "30s"/"5m"/"skip"。
func ParseRule(rangeRaw, intervalRaw string) (Rule, error) {
	r, err := window.ParseRange(rangeRaw)
	if err != nil {
		return Rule{}, err
	}
	if intervalRaw == SkipInterval {
		return Rule{Range: r, Skip: true}, nil
	}
	d, ok := ParseIntervalDuration(intervalRaw)
	if !ok {
		return Rule{}, fmt.Errorf("schedule %s: invalid interval %q", rangeRaw, intervalRaw)
	}
	return Rule{Range: r, Interval: d}, nil
}

// Lookup 返回命中的规则。
func (t Table) Lookup(c window.Clock) (Rule, bool) {
	for _, rule := range t {
		if rule.Range.Contains(c) {
			return rule, true
		}
	}
	return Rule{}, false
}

// Resolution 是一次解析结果。Skip 为真时等待结束后不运行周期，而是重新解析。
type Resolution struct {
	Wait   time.Duration
	Source Source
	Skip   bool
	Reason string
}

// Resolver 按 Immediate > Oracle > Schedule > Default 的优先级计算下一次等待。
type Resolver struct {
	Default   time.Duration
	Immediate time.Duration
	Table     Table
}

// Resolve 只看时间与传入的覆盖，不持有状态。
func (r Resolver) Resolve(now time.Time, overrides []Override) Resolution {
	best := Override{Source: -1}
	for _, o := range overrides {
		if o.Source == SourceOracle && !ValidOracleSeconds(o.Seconds) {
			continue
		}
		if o.Source > best.Source {
			best = o
		}
	}
	switch best.Source {
	case SourceImmediate:
		return Resolution{Wait: r.Immediate, Source: SourceImmediate, Reason: best.Reason}
	case SourceOracle:
		return Resolution{Wait: secondsToDuration(best.Seconds), Source: SourceOracle}
	}
	if rule, ok := r.Table.Lookup(window.ClockOf(now)); ok {
		if rule.Skip {
			wait := rule.Range.Remaining(window.ClockOf(now))
			if wait <= 0 {
				wait = time.Second
			}
			return Resolution{Wait: wait, Source: SourceSchedule, Skip: true, Reason: "skip " + rule.Range.String()}
		}
		return Resolution{Wait: rule.Interval, Source: SourceSchedule}
	}
	return Resolution{Wait: r.Default, Source: SourceDefault}
}
