package scheduler

import (
	"context"
	"time"
)

// WaitResult 表示等待如何结束。
type WaitResult int

const (
	WaitElapsed WaitResult = iota
	WaitWoken
	WaitCancelled
)

// Wait 阻塞 d，期间 wake 有信号则提前返回；ctx 取消优先。
func Wait(ctx context.Context, d time.Duration, wake <-chan struct{}) WaitResult {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return WaitCancelled
		default:
			return WaitElapsed
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return WaitCancelled
	case <-wake:
		return WaitWoken
	case <-timer.C:
		return WaitElapsed
	}
}
