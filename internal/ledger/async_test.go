package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"estrader/internal/trader"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type memWriter struct {
	mu   sync.Mutex
	recs []Record
	fail bool
}

func (w *memWriter) Append(_ context.Context, rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("disk full")
	}
	w.recs = append(w.recs, rec)
	return nil
}

func (w *memWriter) Recent(_ context.Context, limit int) ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Record(nil), w.recs...), nil
}

func (w *memWriter) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.recs)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) SendText(ctx context.Context, text string) error {
	args := m.Called(ctx, text)
	return args.Error(0)
}

func TestAsyncSink_WritesAndNotifies(t *testing.T) {
	w := &memWriter{}
	n := new(MockNotifier)
	n.On("SendText", mock.Anything, mock.AnythingOfType("string")).Return(nil).Once()

	sink := NewAsyncSink(w, 8, n)
	ctx, cancel := context.WithCancel(context.Background())
	go sink.Run(ctx)

	sink.Record(Record{ID: "1", Kind: string(trader.EventEntryRequested), Symbol: "MES"})
	sink.Record(Record{ID: "2", Kind: string(trader.EventClosed), Symbol: "MES"})

	require.Eventually(t, func() bool { return w.len() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	sink.Wait()

	n.AssertExpectations(t)
	written, failed, dropped := sink.Stats()
	assert.Equal(t, int64(2), written)
	assert.Zero(t, failed)
	assert.Zero(t, dropped)
}

func TestAsyncSink_DropsWhenFullWithoutBlocking(t *testing.T) {
	sink := NewAsyncSink(&memWriter{}, 2, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			sink.Record(Record{Kind: "adjusted"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer")
	}
	_, _, dropped := sink.Stats()
	assert.Equal(t, int64(3), dropped)
}

func TestAsyncSink_CountsFailuresAndDrainsOnShutdown(t *testing.T) {
	w := &memWriter{fail: true}
	sink := NewAsyncSink(w, 4, nil)
	sink.Record(Record{Kind: "adjusted"})
	sink.Record(Record{Kind: "adjusted"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sink.Run(ctx))
	_, failed, _ := sink.Stats()
	assert.Equal(t, int64(2), failed)
}

func TestFromTransition(t *testing.T) {
	pnl := 40.0
	stop := 5990.0
	tr := trader.Transition{
		Kind:  trader.EventClosed,
		At:    time.Date(2025, 11, 25, 15, 0, 0, 0, time.UTC),
		Prior: trader.Position{Symbol: "MES", Side: trader.SideLong, Size: 2, EntryPrice: 6000, StopLoss: &stop},
		New:   trader.Flat("MES"),
		Intent: trader.Intent{
			Kind: trader.IntentClose, Rationale: "momentum faded", Confidence: 72, TraceID: "trace-1",
		},
		Admission: trader.Admission{Admissible: true, Reason: "open", Notice: "early close at 13:15"},
		Fill:      &trader.Fill{Price: 6002, RealizedPnL: &pnl},
	}
	rec := FromTransition(tr, SourceCycle)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "trace-1", rec.TraceID)
	assert.Equal(t, "closed", rec.Kind)
	assert.Equal(t, "long", rec.PriorSide)
	assert.Equal(t, 2, rec.PriorSize)
	assert.Equal(t, "none", rec.NewSide)
	assert.Equal(t, 6000.0, rec.EntryPrice)
	assert.Equal(t, 6002.0, *rec.ExitPrice)
	assert.Equal(t, 40.0, *rec.RealizedPnL)
	assert.Equal(t, 72, rec.Confidence)
	assert.Equal(t, "early close at 13:15", rec.AfterHoursNotice)
	assert.Equal(t, SourceCycle, rec.Source)
	assert.Contains(t, string(rec.Raw), "momentum faded")

	msg := FormatMessage(rec)
	assert.Contains(t, msg, "平仓完成")
	assert.Contains(t, msg, "+40.00")
}
