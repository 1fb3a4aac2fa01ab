package scheduler

import "time"

// Source 标识等待时长的来源，数值越大优先级越高。
type Source int

const (
	SourceDefault Source = iota
	SourceSchedule
	SourceOracle
	SourceImmediate
)

func (s Source) String() string {
	switch s {
	case SourceImmediate:
		return "immediate"
	case SourceOracle:
		return "oracle"
	case SourceSchedule:
		return "schedule"
	default:
		return "default"
	}
}

// MaxOracleSeconds 是模型建议间隔的上限，超出视为越界值并忽略。
const MaxOracleSeconds = 24 * 60 * 60

// ValidOracleSeconds 判断模型建议的间隔能否采用。
func ValidOracleSeconds(v float64) bool {
	return v > 0 && v <= MaxOracleSeconds
}

// Override 是一条待生效的间隔覆盖。
type Override struct {
	Source  Source
	Seconds float64
	Reason  string
}

// Overrides 保存一次性覆盖。不是并发安全的，由 session.Store 加锁使用。
type Overrides struct {
	immediate       bool
	immediateReason string
	oracle          float64
}

// RaiseImmediate 要求下一轮立即运行。
func (o *Overrides) RaiseImmediate(reason string) {
	o.immediate = true
	if o.immediateReason == "" {
		o.immediateReason = reason
	}
}

// SetOracle 记录模型建议的下一次间隔；非正数、非有限值或超过一天直接忽略。
func (o *Overrides) SetOracle(seconds float64) bool {
	if !ValidOracleSeconds(seconds) {
		return false
	}
	o.oracle = seconds
	return true
}

// Take 取出全部覆盖并清空，保证每条只被消费一次。
func (o *Overrides) Take() []Override {
	var out []Override
	if o.immediate {
		out = append(out, Override{Source: SourceImmediate, Reason: o.immediateReason})
	}
	if o.oracle > 0 {
		out = append(out, Override{Source: SourceOracle, Seconds: o.oracle})
	}
	*o = Overrides{}
	return out
}

// Pending 返回当前最高优先级的覆盖（不清空），用于状态展示。
func (o Overrides) Pending() (Override, bool) {
	switch {
	case o.immediate:
		return Override{Source: SourceImmediate, Reason: o.immediateReason}, true
	case o.oracle > 0:
		return Override{Source: SourceOracle, Seconds: o.oracle}, true
	default:
		return Override{}, false
	}
}

func secondsToDuration(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
