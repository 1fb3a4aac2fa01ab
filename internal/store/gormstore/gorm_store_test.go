package gormstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"estrader/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormStore_AppendAndRecent(t *testing.T) {
	store, err := NewGormStore(filepath.Join(t.TempDir(), "db", "ledger.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2025, 11, 25, 15, 0, 0, 0, time.UTC)
	pnl := 62.5
	fees := 2.48
	exit := 6012.25
	require.NoError(t, store.Append(ctx, ledger.Record{
		ID: "a", Timestamp: base, Kind: "entry_filled", Symbol: "MES",
		PriorSide: "none", NewSide: "long", NewSize: 3, EntryPrice: 6000, Source: ledger.SourceCycle,
		Raw: json.RawMessage(`{"kind":"enter"}`),
	}))
	require.NoError(t, store.Append(ctx, ledger.Record{
		ID: "b", Timestamp: base.Add(time.Hour), Kind: ledger.KindCorrectionFullClose, Symbol: "MES",
		PriorSide: "long", PriorSize: 3, NewSide: "none", ExitPrice: &exit, RealizedPnL: &pnl, Fees: &fees,
		Source: ledger.SourceReconcile, Raw: json.RawMessage(`not json`),
	}))

	recs, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].ID)
	assert.Equal(t, 62.5, *recs[0].RealizedPnL)
	assert.Empty(t, recs[0].Raw)
	assert.Equal(t, "a", recs[1].ID)
	assert.JSONEq(t, `{"kind":"enter"}`, string(recs[1].Raw))
	assert.True(t, recs[1].Timestamp.Equal(base))

	sum, err := store.SumRealizedPnL(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 62.5, sum)

	assert.Error(t, store.Append(ctx, ledger.Record{ID: "a", Timestamp: base}), "record ids are unique")
}
