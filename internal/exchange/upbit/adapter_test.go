package upbit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Papabyte/upbit-orderbook-replication/internal/config"
	"github.com/Papabyte/upbit-orderbook-replication/internal/exchange/common"
)

func newTestAdapter(srv *httptest.Server) *Adapter {
	cfg := config.Load()
	cfg.Exchanges.Dest.BaseURL = srv.URL
	cfg.Exchanges.Dest.Market = "BTC-GBYTE"
	cfg.Exchanges.Dest.AccessKey = "test-access"
	cfg.Exchanges.Dest.SecretKey = "test-secret"
	return New(cfg)
}

func TestGetBalances_ParsesAndCaches(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/accounts", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		hits++
		w.Write([]byte(`[
			{"currency":"BTC","balance":"0.5","locked":"0.1"},
			{"currency":"GBYTE","balance":"20","locked":"0"}
		]`))
	}))
	t.Cleanup(srv.Close)
	a := newTestAdapter(srv)

	bal, err := a.GetBalances(context.Background())
	require.NoError(t, err)
	assert.True(t, bal.Free["BTC"].Equal(decimal.RequireFromString("0.5")))
	assert.True(t, bal.Total["BTC"].Equal(decimal.RequireFromString("0.6")))
	assert.True(t, bal.Total["GBYTE"].Equal(decimal.RequireFromString("20")))

	_, err = a.GetBalances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, hits, "second call within the TTL must be served from cache")

	require.NoError(t, a.RefreshBalances(context.Background()))
	assert.Equal(t, 2, hits, "refresh must bypass the cache")
}

func TestCancelOrder_GoneOrderIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		http.Error(w, `{"error":{"name":"order_not_found"}}`, http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	a := newTestAdapter(srv)

	assert.NoError(t, a.CancelOrder(context.Background(), "gone-uuid"))
}

func TestCancelOrder_OtherErrorsPropagate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)
	a := newTestAdapter(srv)

	assert.Error(t, a.CancelOrder(context.Background(), "some-uuid"))
}

func TestGetFilledAmountSince_TracksExecutedDelta(t *testing.T) {
	executed := "0"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/orders":
			w.Write([]byte(`{"uuid":"ord-1"}`))
		case "/v1/order":
			w.Write([]byte(`{"state":"wait","executed_volume":"` + executed + `"}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	t.Cleanup(srv.Close)
	a := newTestAdapter(srv)

	price := decimal.RequireFromString("0.000049")
	id, err := a.CreateOrder(context.Background(), "GBYTE/BTC", common.Buy, decimal.RequireFromString("10"), price)
	require.NoError(t, err)
	require.Equal(t, "ord-1", id)

	// nothing executed yet
	net, err := a.GetFilledAmountSince(context.Background(), []decimal.Decimal{price})
	require.NoError(t, err)
	assert.True(t, net.IsZero())

	// a partial fill of 3 shows up once
	executed = "3"
	net, err = a.GetFilledAmountSince(context.Background(), []decimal.Decimal{price})
	require.NoError(t, err)
	assert.True(t, net.Equal(decimal.RequireFromString("3")), "net %s", net)

	// baseline advanced, same executed volume reports no new fill
	net, err = a.GetFilledAmountSince(context.Background(), []decimal.Decimal{price})
	require.NoError(t, err)
	assert.True(t, net.IsZero())

	// other prices never match the tracked order
	net, err = a.GetFilledAmountSince(context.Background(), []decimal.Decimal{decimal.RequireFromString("0.000051")})
	require.NoError(t, err)
	assert.True(t, net.IsZero())
}

func TestGetFilledAmountSince_SellFillsAreNegative(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/orders":
			w.Write([]byte(`{"uuid":"ord-2"}`))
		case "/v1/order":
			w.Write([]byte(`{"state":"done","executed_volume":"5"}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	t.Cleanup(srv.Close)
	a := newTestAdapter(srv)

	price := decimal.RequireFromString("0.0000512")
	_, err := a.CreateOrder(context.Background(), "GBYTE/BTC", common.Sell, decimal.RequireFromString("5"), price)
	require.NoError(t, err)

	net, err := a.GetFilledAmountSince(context.Background(), []decimal.Decimal{price})
	require.NoError(t, err)
	assert.True(t, net.Equal(decimal.RequireFromString("-5")), "net %s", net)

	// the done order was forgotten, nothing left to report
	net, err = a.GetFilledAmountSince(context.Background(), []decimal.Decimal{price})
	require.NoError(t, err)
	assert.True(t, net.IsZero())
}

func TestFetchTrades_DeduplicatesBySequence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/trades/ticks", r.URL.Path)
		// newest first, as the venue returns them
		w.Write([]byte(`[
			{"trade_price":0.000049,"trade_volume":2,"ask_bid":"ASK","timestamp":1700000001000,"sequential_id":11},
			{"trade_price":0.000049,"trade_volume":3,"ask_bid":"BID","timestamp":1700000000000,"sequential_id":10}
		]`))
	}))
	t.Cleanup(srv.Close)
	a := newTestAdapter(srv)

	trades, err := a.fetchTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, common.Buy, trades[0].Side)
	assert.True(t, trades[0].Size.Equal(decimal.RequireFromString("3")))
	assert.Equal(t, common.Sell, trades[1].Side)

	// same window again, every tick already seen
	trades, err = a.fetchTrades(context.Background())
	require.NoError(t, err)
	assert.Empty(t, trades)
}
