// Package domain holds the wire- and store-independent record shapes that
// flow through the pipeline: trades, quotes, depth, klines, checkpoints,
// bus envelopes, and aggregated features.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies which ingestion path produced a record.
type Source string

const (
	SourceREST Source = "rest"
	SourceSBE  Source = "sbe"
)

// Trade is a single executed trade, uniquely identified by (Symbol, TradeID).
type Trade struct {
	Symbol       string          `json:"symbol"`
	EventTS      int64           `json:"event_ts"`
	IngestTS     int64           `json:"ingest_ts"`
	TradeID      int64           `json:"trade_id"`
	Price        decimal.Decimal `json:"price"`
	Qty          decimal.Decimal `json:"qty"`
	IsBuyerMaker bool            `json:"is_buyer_maker"`
	Source       Source          `json:"source"`
}

func (t Trade) DataType() string { return "trades" }

// NaturalID is the identity used by C3 dedup and C9's unique key.
func (t Trade) NaturalID() string { return fmt.Sprintf("%d", t.TradeID) }

// BestBidAsk is a top-of-book quote.
type BestBidAsk struct {
	Symbol   string          `json:"symbol"`
	EventTS  int64           `json:"event_ts"`
	IngestTS int64           `json:"ingest_ts"`
	BidPx    decimal.Decimal `json:"bid_px"`
	BidSz    decimal.Decimal `json:"bid_sz"`
	AskPx    decimal.Decimal `json:"ask_px"`
	AskSz    decimal.Decimal `json:"ask_sz"`
	Source   Source          `json:"source"`
}

func (b BestBidAsk) DataType() string { return "bestBidAsk" }

// PriceLevel is one (price, qty) rung of the book, carried as decimal
// strings end to end so depth never round-trips through a binary float.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// DepthSnapshot (or delta — the shape is shared; §3 treats them alike) is
// the set of book levels around the BBA at a point in time.
type DepthSnapshot struct {
	Symbol       string       `json:"symbol"`
	EventTS      int64        `json:"event_ts"`
	IngestTS     int64        `json:"ingest_ts"`
	Bids         []PriceLevel `json:"bids"` // descending by price
	Asks         []PriceLevel `json:"asks"` // ascending by price
	LastUpdateID *int64       `json:"last_update_id,omitempty"`
	Source       Source       `json:"source"`
}

func (d DepthSnapshot) DataType() string { return "depth_snapshots" }

// NaturalID follows §3: LastUpdateID when present, else EventTS.
func (d DepthSnapshot) NaturalID() string {
	if d.LastUpdateID != nil {
		return fmt.Sprintf("%d", *d.LastUpdateID)
	}
	return fmt.Sprintf("%d", d.EventTS)
}

// Kline is one OHLCV candle for a symbol/interval.
type Kline struct {
	Symbol      string          `json:"symbol"`
	OpenTime    int64           `json:"open_time"`
	CloseTime   int64           `json:"close_time"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	TradeCount  int64           `json:"trade_count"`
	Interval    string          `json:"interval"`
}

func (k Kline) DataType() string { return "klines" }

func (k Kline) NaturalID() string { return fmt.Sprintf("%d", k.OpenTime) }

// ValidationBounds per §7: timestamps outside this window are dropped.
var (
	MinValidTS = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	MaxValidTS = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
)

// ValidTimestamp reports whether a unix-millis timestamp falls in bounds.
func ValidTimestamp(ms int64) bool {
	return ms >= MinValidTS && ms <= MaxValidTS
}

// ErrValidation is returned by the REST trade normalizer when a record
// fails required-field or bounds checks; the caller skips the record
// (without counting it) rather than treating it as a fatal error.
type ErrValidation struct {
	Field  string
	Reason string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation: field %q: %s", e.Field, e.Reason)
}
