// Package restfeed implements C4, the checkpointed REST backfiller.
// Exchange field names (grounded on the documented aggTrades/klines/depth
// responses in original_source's rest_ingestor collector) are mapped to
// domain shapes at the edge; everything past client.go speaks only
// domain types.
package restfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/btcdatapipe/pipeline/internal/httpx"
)

// RawTrade mirrors the exchange's aggTrades/historicalTrades wire shape:
// s=symbol, T=event time, a=agg trade id, p=price, q=qty, m=is buyer maker.
type RawTrade struct {
	Symbol       string `json:"s"`
	EventTime    int64  `json:"T"`
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	IsBuyerMaker bool   `json:"m"`
}

// RawKline is the exchange's array-of-arrays kline row, decoded
// positionally by the caller (open_time, O, H, L, C, V, close_time,
// quote_volume, trades, ...).
type RawKline [11]interface{}

// RawDepth is the exchange's order book snapshot: bids/asks as
// [price, qty] string pairs, plus lastUpdateId.
type RawDepth struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// ExchangeClient is the thin REST surface C4 pulls from, grounded on §6's
// documented endpoints.
type ExchangeClient interface {
	FetchAggTrades(ctx context.Context, symbol string, startMS, endMS int64, limit int) ([]RawTrade, *http.Response, error)
	FetchKlines(ctx context.Context, symbol, interval string, startMS, endMS int64, limit int) ([]RawKline, *http.Response, error)
	FetchDepth(ctx context.Context, symbol string, limit int) (RawDepth, *http.Response, error)
}

// HTTPExchangeClient is the production ExchangeClient, built over the
// shared httpx pool.
type HTTPExchangeClient struct {
	baseURL string
	apiKey  string
	pool    *httpx.Pool
}

func NewHTTPExchangeClient(baseURL, apiKey string, pool *httpx.Pool) *HTTPExchangeClient {
	return &HTTPExchangeClient{baseURL: baseURL, apiKey: apiKey, pool: pool}
}

func (c *HTTPExchangeClient) get(ctx context.Context, path string, q url.Values) (*http.Response, error) {
	u := fmt.Sprintf("%s%s?%s", c.baseURL, path, q.Encode())
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("restfeed: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}
	return c.pool.Do(ctx, req)
}

func (c *HTTPExchangeClient) FetchAggTrades(ctx context.Context, symbol string, startMS, endMS int64, limit int) ([]RawTrade, *http.Response, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("startTime", strconv.FormatInt(startMS, 10))
	q.Set("endTime", strconv.FormatInt(endMS, 10))
	q.Set("limit", strconv.Itoa(limit))

	resp, err := c.get(ctx, "/api/v3/aggTrades", q)
	if err != nil {
		return nil, resp, err
	}
	defer httpx.DrainAndClose(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, resp, fmt.Errorf("restfeed: aggTrades status %d", resp.StatusCode)
	}
	var trades []RawTrade
	if err := json.NewDecoder(resp.Body).Decode(&trades); err != nil {
		return nil, resp, fmt.Errorf("restfeed: decode aggTrades: %w", err)
	}
	return trades, resp, nil
}

func (c *HTTPExchangeClient) FetchKlines(ctx context.Context, symbol, interval string, startMS, endMS int64, limit int) ([]RawKline, *http.Response, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("startTime", strconv.FormatInt(startMS, 10))
	q.Set("endTime", strconv.FormatInt(endMS, 10))
	q.Set("limit", strconv.Itoa(limit))

	resp, err := c.get(ctx, "/api/v3/klines", q)
	if err != nil {
		return nil, resp, err
	}
	defer httpx.DrainAndClose(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, resp, fmt.Errorf("restfeed: klines status %d", resp.StatusCode)
	}
	var klines []RawKline
	if err := json.NewDecoder(resp.Body).Decode(&klines); err != nil {
		return nil, resp, fmt.Errorf("restfeed: decode klines: %w", err)
	}
	return klines, resp, nil
}

func (c *HTTPExchangeClient) FetchDepth(ctx context.Context, symbol string, limit int) (RawDepth, *http.Response, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("limit", strconv.Itoa(limit))

	resp, err := c.get(ctx, "/api/v3/depth", q)
	if err != nil {
		return RawDepth{}, resp, err
	}
	defer httpx.DrainAndClose(resp)
	if resp.StatusCode != http.StatusOK {
		return RawDepth{}, resp, fmt.Errorf("restfeed: depth status %d", resp.StatusCode)
	}
	var depth RawDepth
	if err := json.NewDecoder(resp.Body).Decode(&depth); err != nil {
		return RawDepth{}, resp, fmt.Errorf("restfeed: decode depth: %w", err)
	}
	return depth, resp, nil
}
