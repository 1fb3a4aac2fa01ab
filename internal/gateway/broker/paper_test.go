package broker

import (
	"context"
	"testing"
	"time"

	"estrader/internal/trader"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaperBroker_RoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 11, 20, 15, 0, 0, 0, time.UTC)
	pb := NewPaperBroker(50, 1.4)
	pb.SetClock(func() time.Time { return now })

	ack, err := pb.PlaceEntry(ctx, EntryOrder{Symbol: "ES", Side: trader.SideLong, Size: 3, ReferencePrice: 6000})
	require.NoError(t, err)
	assert.True(t, ack.Filled)
	assert.Equal(t, 3, ack.FilledSize)

	_, err = pb.PlaceEntry(ctx, EntryOrder{Symbol: "ES", Side: trader.SideShort, Size: 1, ReferencePrice: 6000})
	require.ErrorIs(t, err, ErrRejected)

	pb.Mark("ES", 6004)
	now = now.Add(time.Minute)
	ack, err = pb.ClosePosition(ctx, "ES", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, ack.FilledSize)

	pos, err := pb.GetPosition(ctx, "ES")
	require.NoError(t, err)
	assert.Equal(t, 1, pos.Size)
	assert.Equal(t, trader.SideLong, pos.Side)

	fills, err := pb.GetRecentFills(ctx, "ES", now)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	require.NotNil(t, fills[0].PnL)
	assert.InDelta(t, 400.0, *fills[0].PnL, 1e-9)
	assert.Equal(t, trader.SideShort, fills[0].Side)
}

func TestPaperBroker_ShortPnLAndTrigger(t *testing.T) {
	ctx := context.Background()
	pb := NewPaperBroker(5, 0)
	_, err := pb.PlaceEntry(ctx, EntryOrder{Symbol: "MES", Side: trader.SideShort, Size: 2, ReferencePrice: 6000})
	require.NoError(t, err)

	assert.True(t, pb.Trigger("MES", 6010))
	assert.False(t, pb.Trigger("MES", 6010))

	pos, err := pb.GetPosition(ctx, "MES")
	require.NoError(t, err)
	assert.True(t, pos.IsFlat())

	fills, err := pb.GetRecentFills(ctx, "MES", time.Time{})
	require.NoError(t, err)
	sum := SummarizeFills(fills)
	require.NotNil(t, sum.RealizedPnL)
	assert.InDelta(t, -100.0, *sum.RealizedPnL, 1e-9)
	assert.Equal(t, 2, sum.ExitSize)
}

func TestPaperBroker_NeedsPrice(t *testing.T) {
	pb := NewPaperBroker(50, 0)
	_, err := pb.PlaceEntry(context.Background(), EntryOrder{Symbol: "ES", Side: trader.SideLong, Size: 1})
	require.ErrorIs(t, err, ErrRejected)

	pb.Mark("ES", 6000)
	_, err = pb.PlaceEntry(context.Background(), EntryOrder{Symbol: "ES", Side: trader.SideLong, Size: 1})
	require.NoError(t, err)
	require.NoError(t, pb.ModifyBrackets(context.Background(), BracketUpdate{Symbol: "ES", Side: trader.SideLong}))
}

func TestSummarizeFills_IgnoresVoidedAndEntries(t *testing.T) {
	pnl := 12.5
	sum := SummarizeFills([]Fill{
		{Size: 1, Price: 10, Fees: 0.5},
		{Size: 1, Price: 11, PnL: &pnl, Fees: 0.5, Voided: true},
	})
	assert.Nil(t, sum.RealizedPnL)
	assert.Nil(t, sum.Net())
	require.NotNil(t, sum.Fees)
	assert.InDelta(t, 0.5, *sum.Fees, 1e-9)
	assert.Equal(t, 1, sum.Count)

	empty := SummarizeFills(nil)
	assert.Nil(t, empty.Fees)
}
