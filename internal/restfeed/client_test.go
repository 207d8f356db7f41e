package restfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/btcdatapipe/pipeline/internal/httpx"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPExchangeClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	pool := httpx.NewPool(httpx.Config{MaxConcurrent: 4, Timeout: time.Second})
	return NewHTTPExchangeClient(srv.URL, "", pool)
}

func TestFetchAggTradesDecodesRows(t *testing.T) {
	var gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`[{"s":"BTCUSDT","T":1700000000000,"a":1,"p":"100.50","q":"0.01","m":false}]`))
	})

	trades, resp, err := client.FetchAggTrades(context.Background(), "BTCUSDT", 0, 1, 500)
	require.NoError(t, err)
	require.Equal(t, "/api/v3/aggTrades", gotPath)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, trades, 1)
	require.Equal(t, int64(1), trades[0].AggTradeID)
	require.Equal(t, "100.50", trades[0].Price)
}

func TestFetchKlinesDecodesPositionalRows(t *testing.T) {
	var gotPath, gotInterval string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotInterval = r.URL.Query().Get("interval")
		w.Write([]byte(`[[1700000000000,"100.00","101.00","99.50","100.50","10.0",1700000059999,"1005.0",5,"5.0","502.5","0"]]`))
	})

	klines, _, err := client.FetchKlines(context.Background(), "BTCUSDT", "1m", 0, 1, 500)
	require.NoError(t, err)
	require.Equal(t, "/api/v3/klines", gotPath)
	require.Equal(t, "1m", gotInterval)
	require.Len(t, klines, 1)
	require.Equal(t, "100.50", klines[0][4])
}

func TestFetchDepthDecodesBidsAndAsks(t *testing.T) {
	var gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"lastUpdateId":42,"bids":[["100.00","1.5"]],"asks":[["100.10","2.0"]]}`))
	})

	depth, _, err := client.FetchDepth(context.Background(), "BTCUSDT", 100)
	require.NoError(t, err)
	require.Equal(t, "/api/v3/depth", gotPath)
	require.Equal(t, int64(42), depth.LastUpdateID)
	require.Len(t, depth.Bids, 1)
	require.Len(t, depth.Asks, 1)
}

func TestFetchKlinesNonOKStatusIsError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, _, err := client.FetchKlines(context.Background(), "BTCUSDT", "1m", 0, 1, 500)
	require.Error(t, err)
}
