package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"estrader/internal/gateway/broker"
	"estrader/internal/ledger"
	"estrader/internal/scheduler"
	"estrader/internal/session"
	"estrader/internal/trader"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) GetPosition(ctx context.Context, symbol string) (broker.RemotePosition, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(broker.RemotePosition), args.Error(1)
}

func (m *MockBroker) GetRecentFills(ctx context.Context, symbol string, since time.Time) ([]broker.Fill, error) {
	args := m.Called(ctx, symbol, since)
	fills, _ := args.Get(0).([]broker.Fill)
	return fills, args.Error(1)
}

type sinkRecorder struct {
	mu   sync.Mutex
	recs []ledger.Record
}

func (s *sinkRecorder) Record(rec ledger.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
}

func (s *sinkRecorder) last() ledger.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recs[len(s.recs)-1]
}

var admit = trader.Admission{Admissible: true, Reason: "open", EntriesAllowed: true}

func setup(t *testing.T, size int) (*session.Store, *sinkRecorder) {
	t.Helper()
	sink := &sinkRecorder{}
	store := session.NewStore("ES", 1, sink, 5*time.Second)
	if size > 0 {
		cmd, err := store.Apply(trader.Intent{Kind: trader.IntentEnter, Side: trader.SideLong, Size: size}, admit, 0)
		require.NoError(t, err)
		require.NoError(t, store.Confirm(cmd.Kind, trader.Fill{Size: size, Price: 6000}))
	}
	return store, sink
}

func TestDiff(t *testing.T) {
	long3 := trader.Position{Symbol: "ES", Side: trader.SideLong, Size: 3}
	long1 := trader.Position{Symbol: "ES", Side: trader.SideLong, Size: 1}
	short3 := trader.Position{Symbol: "ES", Side: trader.SideShort, Size: 3}
	flat := trader.Flat("ES")

	cases := []struct {
		name   string
		local  trader.Position
		remote trader.Position
		kind   Kind
		found  bool
	}{
		{"full close", long3, flat, KindFullClose, true},
		{"side mismatch", long3, short3, KindSideMismatch, true},
		{"partial close", long3, long1, KindPartialClose, true},
		{"remote larger", long1, long3, "", false},
		{"both flat", flat, flat, "", false},
		{"local flat remote open", flat, long1, "", false},
		{"equal", long3, long3, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, ok := Diff(tc.local, tc.remote)
			assert.Equal(t, tc.found, ok)
			if ok {
				assert.Equal(t, tc.kind, d.Kind)
			}
		})
	}
}

func TestEngine_FullCloseRecoversPnL(t *testing.T) {
	store, sink := setup(t, 3)
	pnl := 450.0
	mb := new(MockBroker)
	mb.On("GetPosition", mock.Anything, "ES").Return(broker.RemotePosition{Side: trader.SideNone}, nil)
	mb.On("GetRecentFills", mock.Anything, "ES", mock.AnythingOfType("time.Time")).Return([]broker.Fill{
		{Size: 3, Price: 6003, PnL: &pnl, Fees: 4.2, At: time.Now()},
	}, nil)

	e := NewEngine(store, mb, Options{})
	res, err := e.Tick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Discrepancy)
	assert.Equal(t, KindFullClose, res.Discrepancy.Kind)
	assert.True(t, res.Corrected)

	snap := store.Snapshot()
	assert.True(t, snap.Position.IsFlat())
	require.NotNil(t, snap.Override)
	assert.Equal(t, scheduler.SourceImmediate, snap.Override.Source)

	rec := sink.last()
	assert.Equal(t, ledger.KindCorrectionFullClose, rec.Kind)
	require.NotNil(t, rec.RealizedPnL)
	assert.InDelta(t, 450.0, *rec.RealizedPnL, 1e-9)
	assert.InDelta(t, 6003.0, *rec.ExitPrice, 1e-9)

	// a second pass finds nothing to correct
	res, err = e.Tick(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res.Discrepancy)
	mb.AssertNumberOfCalls(t, "GetRecentFills", 1)
}

func TestEngine_QueryFailureIsNotClosure(t *testing.T) {
	store, _ := setup(t, 2)
	mb := new(MockBroker)
	mb.On("GetPosition", mock.Anything, "ES").Return(broker.RemotePosition{}, errors.New("timeout"))

	e := NewEngine(store, mb, Options{})
	for i := 0; i < 5; i++ {
		_, err := e.Tick(context.Background())
		require.ErrorIs(t, err, session.ErrTransientIO)
	}
	assert.Equal(t, 5, e.Failures())
	assert.Equal(t, 2, store.Snapshot().Position.Size)
	mb.AssertNotCalled(t, "GetRecentFills", mock.Anything, mock.Anything, mock.Anything)
}

func TestEngine_AssumeClosedPolicy(t *testing.T) {
	store, sink := setup(t, 2)
	mb := new(MockBroker)
	mb.On("GetPosition", mock.Anything, "ES").Return(broker.RemotePosition{}, errors.New("timeout"))

	e := NewEngine(store, mb, Options{AssumeClosedAfter: 3})
	for i := 0; i < 2; i++ {
		_, err := e.Tick(context.Background())
		require.Error(t, err)
	}
	res, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Corrected)
	assert.True(t, store.Snapshot().Position.IsFlat())
	assert.Contains(t, sink.last().Rationale, "3")
}

func TestEngine_PartialCloseKeepsRunnerAndBrackets(t *testing.T) {
	store, _ := setup(t, 3)
	stop := 5990.0
	_, err := store.Apply(trader.Intent{Kind: trader.IntentAdjust, StopLoss: &stop}, admit, store.Snapshot().Generation)
	require.NoError(t, err)
	require.NoError(t, store.Confirm(trader.CommandModifyBrackets, trader.Fill{}))

	mb := new(MockBroker)
	mb.On("GetPosition", mock.Anything, "ES").Return(broker.RemotePosition{Side: trader.SideLong, Size: 1, AvgPrice: 6000}, nil)
	mb.On("GetRecentFills", mock.Anything, "ES", mock.Anything).Return(nil, errors.New("history down"))

	e := NewEngine(store, mb, Options{})
	res, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Corrected)

	snap := store.Snapshot()
	assert.Equal(t, 1, snap.Position.Size)
	require.NotNil(t, snap.Position.StopLoss)
	assert.InDelta(t, 5990.0, *snap.Position.StopLoss, 1e-9)
	assert.Equal(t, trader.VariantRunner, snap.Variant)
}

func TestEngine_ConfirmsPendingEntry(t *testing.T) {
	store, _ := setup(t, 0)
	_, err := store.Apply(trader.Intent{Kind: trader.IntentEnter, Side: trader.SideShort, Size: 1}, admit, 0)
	require.NoError(t, err)

	mb := new(MockBroker)
	mb.On("GetPosition", mock.Anything, "ES").Return(broker.RemotePosition{Side: trader.SideShort, Size: 1, AvgPrice: 6010}, nil)

	e := NewEngine(store, mb, Options{})
	res, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	assert.Nil(t, res.Discrepancy)
	assert.Equal(t, trader.StageActive, store.Snapshot().Stage)
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	store, _ := setup(t, 0)
	mb := new(MockBroker)
	mb.On("GetPosition", mock.Anything, "ES").Return(broker.RemotePosition{}, nil)

	e := NewEngine(store, mb, Options{Poll: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, e.Run(ctx))
	assert.NotEmpty(t, mb.Calls)
}

func TestEngine_SetOptionsResetsPoll(t *testing.T) {
	store, _ := setup(t, 0)
	var calls atomic.Int32
	mb := new(MockBroker)
	mb.On("GetPosition", mock.Anything, "ES").Run(func(mock.Arguments) { calls.Add(1) }).Return(broker.RemotePosition{}, nil)

	e := NewEngine(store, mb, Options{Poll: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	e.SetOptions(Options{Poll: 5 * time.Millisecond})
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
