package etl

import (
	"testing"
)

func TestTransformTradeBuildsDecimalStrings(t *testing.T) {
	line := map[string]interface{}{
		"symbol":         "BTCUSDT",
		"event_ts":       float64(1_700_000_000_000),
		"trade_id":       float64(12345),
		"price":          "100.50",
		"qty":            "2.25",
		"is_buyer_maker": false,
		"source":         "rest",
	}
	row, err := TransformRow("aggTrades", line, false)
	if err != nil {
		t.Fatalf("TransformRow: %v", err)
	}
	if row.Symbol != "BTCUSDT" || row.DataType != "aggTrades" || row.TradeID != 12345 {
		t.Fatalf("unexpected row identity: %+v", row)
	}
	if row.Fields["price"] != "100.50" || row.Fields["qty"] != "2.25" {
		t.Fatalf("expected decimal strings preserved, got %+v", row.Fields)
	}
}

func TestTransformTradeMissingFieldIsError(t *testing.T) {
	line := map[string]interface{}{"symbol": "BTCUSDT"}
	if _, err := TransformRow("aggTrades", line, false); err == nil {
		t.Fatal("expected error for missing event_ts/price/qty")
	}
}

// TestKlineVWAPZeroVolumeUsesClose verifies the exact boundary case named
// in the concrete scenarios: a zero-volume kline falls back to its close
// price rather than dividing by zero.
func TestKlineVWAPZeroVolumeUsesClose(t *testing.T) {
	line := map[string]interface{}{
		"symbol":       "BTCUSDT",
		"open_time":    float64(1_700_000_000_000),
		"open":         "100",
		"high":         "100",
		"low":          "100",
		"close":        "100",
		"volume":       "0",
		"quote_volume": "0",
	}
	row, err := TransformRow("klines", line, false)
	if err != nil {
		t.Fatalf("TransformRow: %v", err)
	}
	if row.Fields["vwap"] != "100" {
		t.Fatalf("expected vwap to fall back to close price 100, got %v", row.Fields["vwap"])
	}
}

func TestKlineVWAPUsesQuoteVolumeOverVolume(t *testing.T) {
	line := map[string]interface{}{
		"symbol":       "BTCUSDT",
		"open_time":    float64(1_700_000_000_000),
		"open":         "100",
		"high":         "102",
		"low":          "99",
		"close":        "101",
		"volume":       "4",
		"quote_volume": "405",
	}
	row, err := TransformRow("klines", line, false)
	if err != nil {
		t.Fatalf("TransformRow: %v", err)
	}
	if row.Fields["vwap"] != "101.25" {
		t.Fatalf("expected vwap 101.25, got %v", row.Fields["vwap"])
	}
}

func TestTransformDepthDerivesBestAndSpread(t *testing.T) {
	line := map[string]interface{}{
		"symbol":         "BTCUSDT",
		"event_ts":       float64(1_700_000_000_000),
		"last_update_id": float64(99),
		"bids":           []interface{}{[]interface{}{"100.00", "1.5"}},
		"asks":           []interface{}{[]interface{}{"100.10", "2.0"}},
	}
	row, err := TransformRow("depth_snapshots", line, false)
	if err != nil {
		t.Fatalf("TransformRow: %v", err)
	}
	if row.Fields["best_bid_price"] != "100.00" || row.Fields["best_ask_price"] != "100.10" {
		t.Fatalf("unexpected best levels: %+v", row.Fields)
	}
	if row.Fields["spread"] != "0.10" {
		t.Fatalf("expected spread 0.10, got %v", row.Fields["spread"])
	}
	if row.Fields["mid_price"] != "100.05" {
		t.Fatalf("expected mid_price 100.05, got %v", row.Fields["mid_price"])
	}
}

func TestTransformUnknownDataTypeIsError(t *testing.T) {
	if _, err := TransformRow("unknown_type", map[string]interface{}{}, false); err == nil {
		t.Fatal("expected error for unknown data_type")
	}
}

func TestTransformTradeDerivesTimeFeaturesWhenRequested(t *testing.T) {
	line := map[string]interface{}{
		"symbol":   "BTCUSDT",
		"event_ts": float64(1_700_000_000_000),
		"trade_id": float64(1),
		"price":    "100",
		"qty":      "1",
	}
	row, err := TransformRow("aggTrades", line, true)
	if err != nil {
		t.Fatalf("TransformRow: %v", err)
	}
	if _, ok := row.Fields["hour_of_day"]; !ok {
		t.Fatal("expected hour_of_day to be derived")
	}
	if _, ok := row.Fields["day_of_week"]; !ok {
		t.Fatal("expected day_of_week to be derived")
	}
}
