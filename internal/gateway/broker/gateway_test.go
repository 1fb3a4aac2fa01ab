package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"estrader/internal/trader"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu        sync.Mutex
	tokens    []string
	calls     map[string]int
	bodies    map[string][]map[string]any
	expireOne bool
	loginFail bool
	handlers  map[string]func(body map[string]any) any
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		calls:    make(map[string]int),
		bodies:   make(map[string][]map[string]any),
		handlers: make(map[string]func(map[string]any) any),
	}
}

func (f *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.calls[r.URL.Path]++
	f.bodies[r.URL.Path] = append(f.bodies[r.URL.Path], body)
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path == pathLogin {
		if f.loginFail {
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "errorCode": 3, "errorMessage": "bad key"})
			return
		}
		token := "tok-" + string(rune('a'+len(f.tokens)))
		f.tokens = append(f.tokens, token)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "token": token})
		return
	}
	if f.expireOne {
		f.expireOne = false
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+f.tokens[len(f.tokens)-1] {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	h, ok := f.handlers[r.URL.Path]
	if !ok {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
		return
	}
	_ = json.NewEncoder(w).Encode(h(body))
}

func newTestClient(t *testing.T, fake *fakeGateway) *GatewayClient {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewGatewayClient(GatewayConfig{
		BaseURL:       srv.URL,
		UserName:      "trader",
		APIKey:        "key",
		AccountID:     536,
		Contracts:     map[string]string{"ES": "CON.F.US.EP.Z25"},
		TickSize:      0.25,
		Timeout:       2 * time.Second,
		RatePerSecond: 100,
	})
}

func TestGatewayClient_GetPosition(t *testing.T) {
	fake := newFakeGateway()
	fake.handlers[pathPositionSearch] = func(map[string]any) any {
		return map[string]any{
			"success": true,
			"positions": []map[string]any{
				{"id": 1, "contractId": "CON.F.US.GMET.J25", "type": 1, "size": 2, "averagePrice": 1575.75},
				{"id": 2, "contractId": "CON.F.US.EP.Z25", "type": 2, "size": 3, "averagePrice": 6010.5,
					"creationTimestamp": "2025-11-20T19:52:32.175721+00:00"},
			},
		}
	}
	c := newTestClient(t, fake)

	pos, err := c.GetPosition(context.Background(), "ES")
	require.NoError(t, err)
	assert.Equal(t, trader.SideShort, pos.Side)
	assert.Equal(t, 3, pos.Size)
	assert.InDelta(t, 6010.5, pos.AvgPrice, 1e-9)
	assert.False(t, pos.OpenedAt.IsZero())

	// token is cached across calls
	_, err = c.GetPosition(context.Background(), "ES")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.calls[pathLogin])

	flat, err := c.GetPosition(context.Background(), "NQ")
	require.NoError(t, err)
	assert.True(t, flat.IsFlat())
}

func TestGatewayClient_ReloginOn401(t *testing.T) {
	fake := newFakeGateway()
	c := newTestClient(t, fake)
	_, err := c.GetPosition(context.Background(), "ES")
	require.NoError(t, err)

	fake.mu.Lock()
	fake.expireOne = true
	fake.mu.Unlock()

	_, err = c.GetPosition(context.Background(), "ES")
	require.NoError(t, err)
	assert.Equal(t, 2, fake.calls[pathLogin])
}

func TestGatewayClient_AuthFailureIsFatal(t *testing.T) {
	fake := newFakeGateway()
	fake.loginFail = true
	c := newTestClient(t, fake)

	_, err := c.GetPosition(context.Background(), "ES")
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
}

func TestGatewayClient_PlaceEntryWithBrackets(t *testing.T) {
	fake := newFakeGateway()
	fake.handlers[pathOrderPlace] = func(map[string]any) any {
		return map[string]any{"success": true, "orderId": 9056}
	}
	c := newTestClient(t, fake)
	stop, target := 5990.0, 6030.0

	ack, err := c.PlaceEntry(context.Background(), EntryOrder{
		Symbol: "ES", Side: trader.SideLong, Size: 2,
		StopLoss: &stop, TakeProfit: &target, ReferencePrice: 6000,
	})
	require.NoError(t, err)
	assert.Equal(t, "9056", ack.OrderID)
	assert.False(t, ack.Filled)

	body := fake.bodies[pathOrderPlace][0]
	assert.EqualValues(t, orderTypeMarket, body["type"])
	assert.EqualValues(t, orderSideBuy, body["side"])
	assert.Equal(t, "CON.F.US.EP.Z25", body["contractId"])
	sl := body["stopLossBracket"].(map[string]any)
	tp := body["takeProfitBracket"].(map[string]any)
	assert.EqualValues(t, -40, sl["ticks"])
	assert.EqualValues(t, 120, tp["ticks"])
}

func TestGatewayClient_RejectedOrder(t *testing.T) {
	fake := newFakeGateway()
	fake.handlers[pathOrderPlace] = func(map[string]any) any {
		return map[string]any{"success": false, "errorCode": 2, "errorMessage": "Insufficient margin"}
	}
	c := newTestClient(t, fake)

	_, err := c.PlaceEntry(context.Background(), EntryOrder{Symbol: "ES", Side: trader.SideShort, Size: 1})
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "Insufficient margin")
	assert.Equal(t, 1, fake.calls[pathOrderPlace])
}

func TestGatewayClient_ModifyBrackets(t *testing.T) {
	fake := newFakeGateway()
	fake.handlers[pathOrderSearch] = func(map[string]any) any {
		return map[string]any{"success": true, "orders": []map[string]any{
			{"id": 11, "contractId": "CON.F.US.EP.Z25", "type": orderTypeStop, "side": orderSideSell, "size": 2, "stopPrice": 5990.0},
		}}
	}
	c := newTestClient(t, fake)
	stop, target := 5995.0, 6040.0

	err := c.ModifyBrackets(context.Background(), BracketUpdate{
		Symbol: "ES", Side: trader.SideLong, Size: 2, StopLoss: &stop, TakeProfit: &target,
	})
	require.NoError(t, err)

	require.Len(t, fake.bodies[pathOrderModify], 1)
	assert.EqualValues(t, 11, fake.bodies[pathOrderModify][0]["orderId"])
	assert.EqualValues(t, 5995.0, fake.bodies[pathOrderModify][0]["stopPrice"])

	// missing take-profit order gets placed
	require.Len(t, fake.bodies[pathOrderPlace], 1)
	placed := fake.bodies[pathOrderPlace][0]
	assert.EqualValues(t, orderTypeLimit, placed["type"])
	assert.EqualValues(t, 6040.0, placed["limitPrice"])
	assert.EqualValues(t, orderSideSell, placed["side"])
}

func TestGatewayClient_ClosePosition(t *testing.T) {
	fake := newFakeGateway()
	c := newTestClient(t, fake)

	_, err := c.ClosePosition(context.Background(), "ES", 0)
	require.NoError(t, err)
	_, err = c.ClosePosition(context.Background(), "ES", 2)
	require.NoError(t, err)

	assert.Equal(t, 1, fake.calls[pathCloseContract])
	require.Len(t, fake.bodies[pathPartialClose], 1)
	assert.EqualValues(t, 2, fake.bodies[pathPartialClose][0]["size"])
}

func TestGatewayClient_GetRecentFills(t *testing.T) {
	fake := newFakeGateway()
	fake.handlers[pathTradeSearch] = func(body map[string]any) any {
		return map[string]any{"success": true, "trades": []map[string]any{
			{"id": 1, "orderId": 10, "contractId": "CON.F.US.EP.Z25", "side": 0, "size": 1, "price": 6000.0,
				"profitAndLoss": nil, "fees": 1.4, "creationTimestamp": "2025-11-20T15:00:00Z"},
			{"id": 2, "orderId": 11, "contractId": "CON.F.US.EP.Z25", "side": 1, "size": 1, "price": 6010.0,
				"profitAndLoss": 500.0, "fees": 1.4, "creationTimestamp": "2025-11-20T16:00:00Z"},
			{"id": 3, "orderId": 12, "contractId": "CON.F.US.NQ.Z25", "side": 1, "size": 1, "price": 21000.0,
				"profitAndLoss": 20.0, "fees": 1.4, "creationTimestamp": "2025-11-20T16:00:00Z"},
		}}
	}
	c := newTestClient(t, fake)

	since := time.Date(2025, 11, 20, 12, 0, 0, 0, time.UTC)
	fills, err := c.GetRecentFills(context.Background(), "ES", since)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Nil(t, fills[0].PnL)
	assert.Equal(t, trader.SideShort, fills[1].Side)
	assert.Equal(t, "2025-11-20T12:00:00Z", fake.bodies[pathTradeSearch][0]["startTimestamp"])

	sum := SummarizeFills(fills)
	require.NotNil(t, sum.RealizedPnL)
	assert.InDelta(t, 500.0, *sum.RealizedPnL, 1e-9)
	assert.InDelta(t, 2.8, *sum.Fees, 1e-9)
	assert.InDelta(t, 497.2, *sum.Net(), 1e-9)
	assert.InDelta(t, 6010.0, *sum.ExitPrice, 1e-9)
}

func TestRequestPath(t *testing.T) {
	assert.Equal(t, pathTradeSearch, requestPath("http://127.0.0.1:3000/api/Trade/search"))
	assert.Equal(t, pathOrderPlace, requestPath(pathOrderPlace+"?x=1"))
}
