// Package circuit 统计连续的瞬时失败，超过阈值后打开并通知一次。
package circuit

import (
	"sync"
	"time"

	"estrader/internal/logger"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// StateChange 描述一次状态切换，交给告警回调。
type StateChange struct {
	Name      string
	From      State
	To        State
	Failures  int
	LastError string
}

// CircuitBreaker 在主循环里只用于告警与退避：Open 期间 Allow 返回 false，
// 冷却结束进入 HalfOpen 试探一次，成功则关闭。
type CircuitBreaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	threshold     int
	cooldown      time.Duration
	lastFailure   time.Time
	lastError     string
	name          string
	onStateChange func(StateChange)
	nowFn         func() time.Time
}

func NewCircuitBreaker(name string, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		nowFn:     time.Now,
	}
}

// SetClock 替换时间源（测试用）。
func (cb *CircuitBreaker) SetClock(fn func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if fn != nil {
		cb.nowFn = fn
	}
}

// SetThreshold 热更新阈值，不重置计数。
func (cb *CircuitBreaker) SetThreshold(n int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if n > 0 {
		cb.threshold = n
	}
}

func (cb *CircuitBreaker) SetStateChangeHandler(handler func(StateChange)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = handler
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.nowFn().Sub(cb.lastFailure) >= cb.cooldown {
			cb.transition(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.lastError = ""
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
}

func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.nowFn()
	if err != nil {
		cb.lastError = err.Error()
	}

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.threshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) transition(to State) {
	change := StateChange{Name: cb.name, From: cb.state, To: to, Failures: cb.failures, LastError: cb.lastError}
	cb.state = to
	logger.Warnf("[circuit] %s %s -> %s (failures=%d/%d, cooldown=%s)",
		cb.name, change.From, to, cb.failures, cb.threshold, cb.cooldown)
	if cb.onStateChange != nil {
		go cb.onStateChange(change)
	}
}
