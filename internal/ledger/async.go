package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"estrader/internal/gateway/notifier"
	"estrader/internal/logger"
)

// AsyncSink 缓冲记录并在独立 goroutine 中写入，写满时丢弃并告警，绝不阻塞主循环。
type AsyncSink struct {
	writer   Writer
	notifier notifier.TextNotifier
	ch       chan Record

	dropped atomic.Int64
	failed  atomic.Int64
	written atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewAsyncSink 创建写入管道；notifier 可为 nil。
func NewAsyncSink(w Writer, buffer int, n notifier.TextNotifier) *AsyncSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &AsyncSink{
		writer:   w,
		notifier: n,
		ch:       make(chan Record, buffer),
		done:     make(chan struct{}),
	}
}

// Record 非阻塞入队。
func (s *AsyncSink) Record(rec Record) {
	select {
	case s.ch <- rec:
	default:
		n := s.dropped.Add(1)
		logger.Warnf("[ledger] 缓冲已满，丢弃记录 kind=%s symbol=%s (累计丢弃 %d)", rec.Kind, rec.Symbol, n)
	}
}

// Run 消费队列直到 ctx 取消，退出前尽量写完剩余记录。
func (s *AsyncSink) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case rec := <-s.ch:
			s.write(ctx, rec)
		case <-ctx.Done():
			s.drain()
			return nil
		}
	}
}

// Wait 阻塞到 Run 退出。
func (s *AsyncSink) Wait() { <-s.done }

func (s *AsyncSink) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case rec := <-s.ch:
			s.write(ctx, rec)
		default:
			return
		}
	}
}

func (s *AsyncSink) write(ctx context.Context, rec Record) {
	if s.writer != nil {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.writer.Append(wctx, rec)
		cancel()
		if err != nil {
			n := s.failed.Add(1)
			logger.Errorf("[ledger] 写入失败 kind=%s id=%s (累计失败 %d): %v", rec.Kind, rec.ID, n, err)
		} else {
			s.written.Add(1)
		}
	}
	if s.notifier != nil && ShouldNotify(rec.Kind) {
		nctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := s.notifier.SendText(nctx, FormatMessage(rec)); err != nil {
			logger.Warnf("[ledger] 通知发送失败 kind=%s: %v", rec.Kind, err)
		}
		cancel()
	}
}

// Stats 返回写入/失败/丢弃计数。
func (s *AsyncSink) Stats() (written, failed, dropped int64) {
	return s.written.Load(), s.failed.Load(), s.dropped.Load()
}

// Recent 透传到后端。
func (s *AsyncSink) Recent(ctx context.Context, limit int) ([]Record, error) {
	if s.writer == nil {
		return nil, nil
	}
	return s.writer.Recent(ctx, limit)
}
