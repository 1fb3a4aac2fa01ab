package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"estrader/internal/ledger"
	"estrader/internal/scheduler"
	"estrader/internal/trader"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordSink struct {
	mu   sync.Mutex
	recs []ledger.Record
}

func (r *recordSink) Record(rec ledger.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recordSink) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.recs))
	for _, rec := range r.recs {
		out = append(out, rec.Kind)
	}
	return out
}

var openAdm = trader.Admission{Admissible: true, Reason: "open", EntriesAllowed: true}

func price(v float64) *float64 { return &v }

func newTestStore(t *testing.T) (*Store, *recordSink, *time.Time) {
	t.Helper()
	sink := &recordSink{}
	now := time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC)
	s := NewStore("ES", 1, sink, 5*time.Second)
	s.SetClock(func() time.Time { return now })
	return s, sink, &now
}

func openLong(t *testing.T, s *Store, size int) {
	t.Helper()
	cmd, err := s.Apply(trader.Intent{Kind: trader.IntentEnter, Side: trader.SideLong, Size: size, EntryPrice: price(6000)}, openAdm, s.Snapshot().Generation)
	require.NoError(t, err)
	require.Equal(t, trader.CommandPlaceEntry, cmd.Kind)
	require.NoError(t, s.Confirm(cmd.Kind, trader.Fill{Size: size, Price: 6000}))
}

func TestStore_FullCloseCorrection(t *testing.T) {
	s, sink, _ := newTestStore(t)
	openLong(t, s, 3)
	before := s.Snapshot()

	ok := s.ApplyCorrection(Correction{
		Kind:        ledger.KindCorrectionFullClose,
		Expected:    before.Position,
		Remote:      trader.Flat("ES"),
		RealizedPnL: price(150),
	})
	require.True(t, ok)

	after := s.Snapshot()
	assert.True(t, after.Position.IsFlat())
	assert.Equal(t, trader.StageNone, after.Stage)
	assert.Equal(t, before.Generation+1, after.Generation)
	require.NotNil(t, after.Override)
	assert.Equal(t, scheduler.SourceImmediate, after.Override.Source)

	select {
	case <-s.Wake():
	default:
		t.Fatal("correction did not wake the main loop")
	}
	assert.Equal(t, []string{"entry_requested", "entry_filled", ledger.KindCorrectionFullClose}, sink.kinds())
	last := sink.recs[len(sink.recs)-1]
	assert.Equal(t, ledger.SourceReconcile, last.Source)
	assert.Equal(t, 3, last.PriorSize)
	assert.InDelta(t, 150.0, *last.RealizedPnL, 1e-9)
}

func TestStore_CorrectionDedupAndStaleExpectation(t *testing.T) {
	s, sink, now := newTestStore(t)
	openLong(t, s, 3)
	expected := s.Snapshot().Position
	remote := expected.Clone()
	remote.Size = 2

	c := Correction{Kind: ledger.KindCorrectionPartialClose, Expected: expected, Remote: remote}
	require.True(t, s.ApplyCorrection(c))
	// local no longer matches the expectation
	assert.False(t, s.ApplyCorrection(c))

	// same correction computed against the new state within the window is suppressed
	c2 := Correction{Kind: ledger.KindCorrectionFullClose, Expected: s.Snapshot().Position, Remote: trader.Flat("ES")}
	require.True(t, s.ApplyCorrection(c2))
	*now = now.Add(time.Second)
	openLong(t, s, 3)
	again := Correction{Kind: ledger.KindCorrectionPartialClose, Expected: s.Snapshot().Position, Remote: remote}
	// different key from the last correction, so allowed
	assert.True(t, s.ApplyCorrection(again))

	n := 0
	for _, k := range sink.kinds() {
		if k == ledger.KindCorrectionPartialClose {
			n++
		}
	}
	assert.Equal(t, 2, n)
}

func TestStore_DuplicateCorrectionWithinWindow(t *testing.T) {
	s, sink, now := newTestStore(t)
	openLong(t, s, 2)
	c := Correction{Kind: ledger.KindCorrectionFullClose, Expected: s.Snapshot().Position, Remote: trader.Flat("ES")}
	require.True(t, s.ApplyCorrection(c))

	// broker re-reports the position and it is closed again within the dedup window
	s.machine.Correct(trader.Position{Symbol: "ES", Side: trader.SideLong, Size: 2})
	*now = now.Add(2 * time.Second)
	assert.False(t, s.ApplyCorrection(c))

	*now = now.Add(10 * time.Second)
	assert.True(t, s.ApplyCorrection(c))

	n := 0
	for _, k := range sink.kinds() {
		if k == ledger.KindCorrectionFullClose {
			n++
		}
	}
	assert.Equal(t, 2, n)
}

func TestStore_ReentryCloseNotDeduplicated(t *testing.T) {
	s, sink, now := newTestStore(t)
	openLong(t, s, 2)
	c := Correction{Kind: ledger.KindCorrectionFullClose, Expected: s.Snapshot().Position, Remote: trader.Flat("ES")}
	require.True(t, s.ApplyCorrection(c))

	// a new trade opened and stopped out inside the dedup window
	*now = now.Add(time.Second)
	openLong(t, s, 2)
	*now = now.Add(time.Second)
	c2 := Correction{Kind: ledger.KindCorrectionFullClose, Expected: s.Snapshot().Position, Remote: trader.Flat("ES")}
	require.True(t, s.ApplyCorrection(c2))
	assert.True(t, s.Snapshot().Position.IsFlat())

	n := 0
	for _, k := range sink.kinds() {
		if k == ledger.KindCorrectionFullClose {
			n++
		}
	}
	assert.Equal(t, 2, n)
}

func TestStore_StaleCycleRejected(t *testing.T) {
	s, _, _ := newTestStore(t)
	openLong(t, s, 2)
	gen := s.Snapshot().Generation

	require.True(t, s.ApplyCorrection(Correction{
		Kind: ledger.KindCorrectionFullClose, Expected: s.Snapshot().Position, Remote: trader.Flat("ES"),
	}))

	_, err := s.Apply(trader.Intent{Kind: trader.IntentClose}, openAdm, gen)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStaleCycle))
	assert.True(t, s.Snapshot().Position.IsFlat())
}

func TestStore_ConfirmFromRemote(t *testing.T) {
	s, _, _ := newTestStore(t)
	cmd, err := s.Apply(trader.Intent{Kind: trader.IntentEnter, Side: trader.SideShort, Size: 2}, openAdm, 0)
	require.NoError(t, err)
	require.Equal(t, trader.CommandPlaceEntry, cmd.Kind)

	assert.False(t, s.ConfirmFromRemote(trader.Flat("ES")))
	assert.Equal(t, trader.StageEnteringPending, s.Snapshot().Stage)

	assert.True(t, s.ConfirmFromRemote(trader.Position{Symbol: "ES", Side: trader.SideShort, Size: 2, EntryPrice: 6001.25}))
	snap := s.Snapshot()
	assert.Equal(t, trader.StageActive, snap.Stage)
	assert.InDelta(t, 6001.25, snap.Position.EntryPrice, 1e-9)

	cmd, err = s.Apply(trader.Intent{Kind: trader.IntentClose}, openAdm, snap.Generation)
	require.NoError(t, err)
	require.Equal(t, trader.CommandCloseAll, cmd.Kind)
	assert.False(t, s.ConfirmFromRemote(snap.Position))
	assert.True(t, s.ConfirmFromRemote(trader.Flat("ES")))
	assert.True(t, s.Snapshot().Position.IsFlat())
}

func TestStore_Overrides(t *testing.T) {
	s, _, _ := newTestStore(t)
	assert.False(t, s.SetOracleInterval(-1))
	assert.True(t, s.SetOracleInterval(30))
	s.RaiseImmediate("manual")

	got := s.TakeOverrides()
	require.Len(t, got, 2)
	assert.Empty(t, s.TakeOverrides())

	select {
	case <-s.Wake():
		t.Fatal("wake signal should be drained with the overrides")
	default:
	}
}

func TestStore_ConcurrentCorrectionsAndIntents(t *testing.T) {
	s, _, _ := newTestStore(t)
	openLong(t, s, 3)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			snap := s.Snapshot()
			if !snap.Position.IsFlat() {
				s.ApplyCorrection(Correction{Kind: ledger.KindCorrectionFullClose, Expected: snap.Position, Remote: trader.Flat("ES")})
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			snap := s.Snapshot()
			_, _ = s.Apply(trader.Intent{Kind: trader.IntentAdjust, StopLoss: price(5990)}, openAdm, snap.Generation)
		}
	}()
	wg.Wait()
	assert.True(t, s.Snapshot().Position.IsFlat())
}
