package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"estrader/internal/config"
	"estrader/internal/decision"
	"estrader/internal/gateway/broker"
	"estrader/internal/gateway/capture"
	"estrader/internal/ledger"
	"estrader/internal/pkg/circuit"
	"estrader/internal/reconcile"
	"estrader/internal/scheduler"
	"estrader/internal/session"
	"estrader/internal/trader"
)

const symbol = "ES"

type MockOracle struct{ mock.Mock }

func (m *MockOracle) Decide(ctx context.Context, req decision.Request) (decision.Result, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(decision.Result), args.Error(1)
}

type fakeCapturer struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeCapturer) Capture(context.Context) (capture.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return capture.Snapshot{}, f.err
	}
	return capture.Snapshot{Image: []byte{0x89, 'P', 'N', 'G'}, MIME: "image/png", TakenAt: time.Now()}, nil
}

type recordingNotifier struct {
	ch chan string
}

func (r *recordingNotifier) SendText(_ context.Context, text string) error {
	r.ch <- text
	return nil
}

type memLedger struct {
	mu   sync.Mutex
	recs []ledger.Record
}

func (m *memLedger) Record(rec ledger.Record) {
	m.mu.Lock()
	m.recs = append(m.recs, rec)
	m.mu.Unlock()
}

func (m *memLedger) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r.Kind)
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Session: config.SessionConfig{
			Symbol:                 symbol,
			Timezone:               "UTC",
			BeginTime:              "00:00",
			EndTime:                "23:59",
			DefaultIntervalSeconds: 3600,
			MaxConsecutiveFailures: 2,
		},
		Position: config.PositionConfig{DefaultSize: 1, MaxSize: 4},
		Oracle: config.OracleConfig{
			SystemPrompt: "you trade {symbol}",
			Prompts:      config.PromptSet{Flat: "flat {symbol}", Long: "long {size}", Short: "short {size}"},
		},
	}
}

type harness struct {
	cfg      *config.Config
	now      time.Time
	store    *session.Store
	paper    *broker.PaperBroker
	engine   *reconcile.Engine
	oracle   *MockOracle
	capturer *fakeCapturer
	ledger   *memLedger
	notes    *recordingNotifier
	orch     *Orchestrator
}

func newHarness(t *testing.T, cfg *config.Config, b broker.Broker) *harness {
	t.Helper()
	h := &harness{
		cfg:      cfg,
		now:      time.Date(2025, 11, 24, 10, 0, 0, 0, time.UTC),
		oracle:   new(MockOracle),
		capturer: &fakeCapturer{},
		ledger:   &memLedger{},
		notes:    &recordingNotifier{ch: make(chan string, 8)},
	}
	clock := func() time.Time { return h.now }
	h.store = session.NewStore(symbol, cfg.Position.RunnerTargetSize, h.ledger, 5*time.Second)
	h.store.SetClock(clock)
	if b == nil {
		h.paper = broker.NewPaperBroker(50, 0)
		h.paper.SetClock(clock)
		b = h.paper
	}
	h.engine = reconcile.NewEngine(h.store, b, reconcile.Options{})
	h.engine.SetClock(clock)
	h.orch = NewOrchestrator(OrchestratorParams{
		Config:     StaticConfig{Config: cfg},
		Store:      h.store,
		Reconciler: h.engine,
		Broker:     b,
		Capturer:   h.capturer,
		Oracle:     h.oracle,
		Notifier:   h.notes,
	})
	h.orch.SetClock(clock)
	return h
}

func price(v float64) *float64 { return &v }

func buyResult() decision.Result {
	return decision.Result{
		Action:           decision.ActionBuy,
		Size:             2,
		EntryPrice:       price(5000),
		StopLoss:         price(4990),
		TakeProfit:       price(5030),
		Confidence:       72,
		Reasoning:        "breakout",
		NextCheckSeconds: 20,
	}
}

func TestRunCycle_EntryFillsOnPaperBroker(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.oracle.On("Decide", mock.Anything, mock.MatchedBy(func(r decision.Request) bool {
		return r.Variant == trader.VariantFlat && r.User != "" && len(r.Image) > 0
	})).Return(buyResult(), nil).Once()

	report, err := h.orch.RunCycle(context.Background(), scheduler.SourceDefault)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, report.Outcome)
	assert.Equal(t, trader.CommandPlaceEntry, report.Command)

	snap := h.store.Snapshot()
	assert.Equal(t, trader.SideLong, snap.Position.Side)
	assert.Equal(t, 2, snap.Position.Size)
	assert.Equal(t, 5000.0, snap.Position.EntryPrice)
	assert.Equal(t, trader.StageActive, snap.Stage)
	require.NotNil(t, snap.Override)
	assert.Equal(t, scheduler.SourceOracle, snap.Override.Source)
	assert.Equal(t, 20.0, snap.Override.Seconds)

	remote, err := h.paper.GetPosition(context.Background(), symbol)
	require.NoError(t, err)
	assert.Equal(t, 2, remote.Size)
	assert.Equal(t, []string{string(trader.EventEntryRequested), string(trader.EventEntryFilled)}, h.ledger.kinds())

	last, ok := h.orch.LastCycle()
	require.True(t, ok)
	assert.Equal(t, report.TraceID, last.TraceID)
	h.oracle.AssertExpectations(t)
}

func TestRunCycle_NoNewTradesRejectsEntry(t *testing.T) {
	cfg := testConfig()
	cfg.Session.NoNewTrades = []string{"09:15-10:35"}
	h := newHarness(t, cfg, nil)
	h.now = time.Date(2025, 11, 24, 10, 20, 0, 0, time.UTC)
	h.oracle.On("Decide", mock.Anything, mock.Anything).Return(buyResult(), nil).Once()

	report, err := h.orch.RunCycle(context.Background(), scheduler.SourceSchedule)
	require.NoError(t, err)
	assert.True(t, report.Verdict.Admissible)
	assert.False(t, report.Verdict.EntriesAllowed)
	assert.Equal(t, OutcomeRejected, report.Outcome)
	assert.True(t, h.store.Snapshot().Position.IsFlat())

	remote, _ := h.paper.GetPosition(context.Background(), symbol)
	assert.True(t, remote.IsFlat())
	assert.Empty(t, h.ledger.kinds())
}

func TestRunCycle_OutsideWindowSkipsOracle(t *testing.T) {
	cfg := testConfig()
	cfg.Session.BeginTime, cfg.Session.EndTime = "09:30", "16:00"
	h := newHarness(t, cfg, nil)
	h.now = time.Date(2025, 11, 24, 20, 0, 0, 0, time.UTC)

	report, err := h.orch.RunCycle(context.Background(), scheduler.SourceDefault)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotAdmissible, report.Outcome)
	assert.Zero(t, h.capturer.calls)
	h.oracle.AssertNotCalled(t, "Decide", mock.Anything, mock.Anything)
}

func TestRunCycle_MalformedResponseHolds(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.oracle.On("Decide", mock.Anything, mock.Anything).
		Return(decision.Hold("bad"), fmt.Errorf("%w: not json", decision.ErrMalformedResponse)).Once()

	report, err := h.orch.RunCycle(context.Background(), scheduler.SourceDefault)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHold, report.Outcome)
	_, failures := h.orch.Breaker()
	assert.Zero(t, failures)
	assert.True(t, h.store.Snapshot().Position.IsFlat())
}

func TestRunCycle_ForceCloseWithoutOracle(t *testing.T) {
	cfg := testConfig()
	cfg.Session.ForceCloseTime = "15:50"
	h := newHarness(t, cfg, nil)

	h.oracle.On("Decide", mock.Anything, mock.Anything).Return(buyResult(), nil).Once()
	_, err := h.orch.RunCycle(context.Background(), scheduler.SourceDefault)
	require.NoError(t, err)
	require.Equal(t, 2, h.store.Snapshot().Position.Size)

	h.now = time.Date(2025, 11, 24, 15, 55, 0, 0, time.UTC)
	h.paper.Mark(symbol, 5010)
	report, err := h.orch.RunCycle(context.Background(), scheduler.SourceDefault)
	require.NoError(t, err)
	assert.Equal(t, trader.IntentClose, report.Intent)
	assert.Equal(t, OutcomeExecuted, report.Outcome)
	assert.True(t, h.store.Snapshot().Position.IsFlat())
	h.oracle.AssertNumberOfCalls(t, "Decide", 1)

	h.ledger.mu.Lock()
	last := h.ledger.recs[len(h.ledger.recs)-1]
	h.ledger.mu.Unlock()
	assert.Equal(t, string(trader.EventClosed), last.Kind)
	assert.Equal(t, ledger.SourceForceClose, last.Source)
}

func TestRunCycle_CorrectionDuringOracleCallDropsIntent(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.oracle.On("Decide", mock.Anything, mock.Anything).Return(buyResult(), nil).Once()
	_, err := h.orch.RunCycle(context.Background(), scheduler.SourceDefault)
	require.NoError(t, err)
	h.store.TakeOverrides()

	// 模型思考期间服务端止损触发，后台对账完成修正。
	h.oracle.On("Decide", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		require.True(t, h.paper.Trigger(symbol, 4990))
		res, err := h.engine.Tick(context.Background())
		require.NoError(t, err)
		require.True(t, res.Corrected)
	}).Return(decision.Result{Action: decision.ActionAdjust, StopLoss: price(4995)}, nil).Once()

	report, err := h.orch.RunCycle(context.Background(), scheduler.SourceDefault)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, report.Outcome)

	snap := h.store.Snapshot()
	assert.True(t, snap.Position.IsFlat())
	require.NotNil(t, snap.Override)
	assert.Equal(t, scheduler.SourceImmediate, snap.Override.Source)
	assert.Contains(t, h.ledger.kinds(), ledger.KindCorrectionFullClose)
}

func TestRunCycle_CaptureFailuresAlertOnce(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.capturer.err = errors.New("chrome crashed")

	for i := 0; i < 3; i++ {
		_, err := h.orch.RunCycle(context.Background(), scheduler.SourceDefault)
		require.ErrorIs(t, err, session.ErrTransientIO)
	}
	state, failures := h.orch.Breaker()
	assert.Equal(t, circuit.StateOpen, state)
	assert.Equal(t, 3, failures)

	select {
	case msg := <-h.notes.ch:
		assert.Contains(t, msg, "chrome crashed")
	case <-time.After(2 * time.Second):
		t.Fatal("expected an alert")
	}
	select {
	case msg := <-h.notes.ch:
		t.Fatalf("unexpected second alert: %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
	h.oracle.AssertNotCalled(t, "Decide", mock.Anything, mock.Anything)
}

type MockBroker struct{ mock.Mock }

func (m *MockBroker) GetPosition(ctx context.Context, symbol string) (broker.RemotePosition, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(broker.RemotePosition), args.Error(1)
}

func (m *MockBroker) PlaceEntry(ctx context.Context, order broker.EntryOrder) (broker.OrderAck, error) {
	args := m.Called(ctx, order)
	return args.Get(0).(broker.OrderAck), args.Error(1)
}

func (m *MockBroker) ModifyBrackets(ctx context.Context, update broker.BracketUpdate) error {
	return m.Called(ctx, update).Error(0)
}

func (m *MockBroker) ClosePosition(ctx context.Context, symbol string, size int) (broker.OrderAck, error) {
	args := m.Called(ctx, symbol, size)
	return args.Get(0).(broker.OrderAck), args.Error(1)
}

func (m *MockBroker) GetRecentFills(ctx context.Context, symbol string, since time.Time) ([]broker.Fill, error) {
	args := m.Called(ctx, symbol, since)
	fills, _ := args.Get(0).([]broker.Fill)
	return fills, args.Error(1)
}

func TestRunCycle_AuthFailureAlertsAndRollsBack(t *testing.T) {
	b := new(MockBroker)
	b.On("GetPosition", mock.Anything, symbol).Return(broker.RemotePosition{Side: trader.SideNone}, nil)
	b.On("PlaceEntry", mock.Anything, mock.MatchedBy(func(o broker.EntryOrder) bool {
		return o.Side == trader.SideLong && o.Size == 2 && o.ReferencePrice == 5000
	})).Return(broker.OrderAck{}, fmt.Errorf("%w: token expired", broker.ErrAuth)).Once()

	h := newHarness(t, testConfig(), b)
	h.oracle.On("Decide", mock.Anything, mock.Anything).Return(buyResult(), nil).Once()

	report, err := h.orch.RunCycle(context.Background(), scheduler.SourceDefault)
	require.Error(t, err)
	assert.True(t, broker.IsAuthError(err))
	assert.Equal(t, OutcomeFailed, report.Outcome)

	snap := h.store.Snapshot()
	assert.Equal(t, trader.StageNone, snap.Stage)
	assert.Empty(t, snap.PendingCommand)
	assert.Equal(t, []string{string(trader.EventEntryRequested), string(trader.EventEntryFailed)}, h.ledger.kinds())

	select {
	case msg := <-h.notes.ch:
		assert.Contains(t, msg, "token expired")
	default:
		t.Fatal("auth failure must alert immediately")
	}
	b.AssertExpectations(t)
}

func TestRunCycle_PendingExpiresWithoutReconciler(t *testing.T) {
	b := new(MockBroker)
	b.On("PlaceEntry", mock.Anything, mock.Anything).Return(broker.OrderAck{OrderID: "o-1"}, nil).Once()

	cfg := testConfig()
	cfg.Session.PendingTimeoutSeconds = 60
	h := newHarness(t, cfg, b)
	h.orch = NewOrchestrator(OrchestratorParams{
		Config:   StaticConfig{Config: cfg},
		Store:    h.store,
		Broker:   b,
		Capturer: h.capturer,
		Oracle:   h.oracle,
		Notifier: h.notes,
	})
	h.orch.SetClock(func() time.Time { return h.now })
	h.oracle.On("Decide", mock.Anything, mock.Anything).Return(buyResult(), nil).Once()

	report, err := h.orch.RunCycle(context.Background(), scheduler.SourceDefault)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, report.Outcome)
	assert.Equal(t, trader.CommandPlaceEntry, h.store.Snapshot().PendingCommand)

	h.now = h.now.Add(30 * time.Second)
	report, err = h.orch.RunCycle(context.Background(), scheduler.SourceDefault)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, report.Outcome)

	h.now = h.now.Add(31 * time.Second)
	h.oracle.On("Decide", mock.Anything, mock.Anything).Return(decision.Hold("wait"), nil).Once()
	report, err = h.orch.RunCycle(context.Background(), scheduler.SourceDefault)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHold, report.Outcome)

	snap := h.store.Snapshot()
	assert.Empty(t, snap.PendingCommand)
	assert.True(t, snap.Position.IsFlat())
	assert.Contains(t, h.ledger.kinds(), string(trader.EventPendingExpired))
	h.oracle.AssertExpectations(t)
	b.AssertNotCalled(t, "GetPosition", mock.Anything, mock.Anything)
}

func TestRun_TriggerWakesLoop(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.orch.SetClock(time.Now)
	h.store.SetClock(time.Now)
	h.oracle.On("Decide", mock.Anything, mock.Anything).Return(decision.Hold("wait"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	h.orch.Trigger("test")
	require.Eventually(t, func() bool {
		last, ok := h.orch.LastCycle()
		return ok && last.Trigger == scheduler.SourceImmediate.String() && last.Outcome == OutcomeHold
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}
