package etl

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/btcdatapipe/pipeline/internal/warehouse"
)

// TransformRow routes one decoded line by data_type into a warehouse Row,
// per §4.9 step 3. Required-field/decimal errors are returned so the
// caller can count and drop them rather than fail the batch.
func TransformRow(dataType string, line map[string]interface{}, deriveFeatures bool) (warehouse.Row, error) {
	switch dataType {
	case "aggTrades", "trades":
		return transformTrade(line, deriveFeatures)
	case "klines":
		return transformKline(line, deriveFeatures)
	case "depth_snapshots":
		return transformDepth(line, deriveFeatures)
	default:
		return warehouse.Row{}, fmt.Errorf("etl: unknown data_type %q", dataType)
	}
}

func requireString(line map[string]interface{}, field string) (string, error) {
	v, ok := line[field]
	if !ok {
		return "", fmt.Errorf("etl: missing field %q", field)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("etl: field %q not a string", field)
	}
	return s, nil
}

func requireNumber(line map[string]interface{}, field string) (float64, error) {
	v, ok := line[field]
	if !ok {
		return 0, fmt.Errorf("etl: missing field %q", field)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("etl: field %q not a number", field)
	}
	return f, nil
}

func requireDecimalField(line map[string]interface{}, field string) (decimal.Decimal, error) {
	v, ok := line[field]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("etl: missing field %q", field)
	}
	switch t := v.(type) {
	case string:
		return decimal.NewFromString(t)
	case float64:
		return decimal.NewFromFloat(t), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("etl: field %q has unsupported decimal type %T", field, v)
	}
}

func transformTrade(line map[string]interface{}, deriveFeatures bool) (warehouse.Row, error) {
	symbol, err := requireString(line, "symbol")
	if err != nil {
		return warehouse.Row{}, err
	}
	eventTS, err := requireNumber(line, "event_ts")
	if err != nil {
		return warehouse.Row{}, err
	}
	price, err := requireDecimalField(line, "price")
	if err != nil {
		return warehouse.Row{}, fmt.Errorf("etl: decode price: %w", err)
	}
	qty, err := requireDecimalField(line, "qty")
	if err != nil {
		return warehouse.Row{}, fmt.Errorf("etl: decode qty: %w", err)
	}
	tradeID, _ := requireNumber(line, "trade_id")

	fields := map[string]interface{}{
		"price":          decimalString(price),
		"qty":            decimalString(qty),
		"is_buyer_maker": line["is_buyer_maker"],
		"ingest_ts":      line["ingest_ts"],
		"source":         line["source"],
	}
	if deriveFeatures {
		addTimeFeatures(fields, int64(eventTS))
	}

	return warehouse.Row{
		Symbol: symbol, EventTS: int64(eventTS), DataType: "aggTrades",
		TradeID: int64(tradeID), Fields: fields,
	}, nil
}

func transformKline(line map[string]interface{}, deriveFeatures bool) (warehouse.Row, error) {
	symbol, err := requireString(line, "symbol")
	if err != nil {
		return warehouse.Row{}, err
	}
	openTime, err := requireNumber(line, "open_time")
	if err != nil {
		return warehouse.Row{}, err
	}
	volume, err := requireDecimalField(line, "volume")
	if err != nil {
		return warehouse.Row{}, fmt.Errorf("etl: decode volume: %w", err)
	}
	quoteVolume, err := requireDecimalField(line, "quote_volume")
	if err != nil {
		return warehouse.Row{}, fmt.Errorf("etl: decode quote_volume: %w", err)
	}
	closePrice, err := requireDecimalField(line, "close")
	if err != nil {
		return warehouse.Row{}, fmt.Errorf("etl: decode close: %w", err)
	}

	vwap := closePrice
	if !volume.IsZero() {
		vwap = quoteVolume.Div(volume)
	}

	fields := map[string]interface{}{
		"open":         line["open"],
		"high":         line["high"],
		"low":          line["low"],
		"close":        closePrice.String(),
		"volume":       volume.String(),
		"quote_volume": quoteVolume.String(),
		"vwap":         vwap.String(),
		"trade_count":  line["trade_count"],
		"interval":     line["interval"],
		"close_time":   line["close_time"],
	}
	if deriveFeatures {
		addTimeFeatures(fields, int64(openTime))
	}

	return warehouse.Row{
		Symbol: symbol, EventTS: int64(openTime), DataType: "klines", Fields: fields,
	}, nil
}

func transformDepth(line map[string]interface{}, deriveFeatures bool) (warehouse.Row, error) {
	symbol, err := requireString(line, "symbol")
	if err != nil {
		return warehouse.Row{}, err
	}
	eventTS, err := requireNumber(line, "event_ts")
	if err != nil {
		return warehouse.Row{}, err
	}

	bids, _ := line["bids"].([]interface{})
	asks, _ := line["asks"].([]interface{})

	bestBidPrice, bestBidSize := bestLevel(bids)
	bestAskPrice, bestAskSize := bestLevel(asks)
	spread := bestAskPrice.Sub(bestBidPrice)
	mid := bestBidPrice.Add(bestAskPrice).Div(decimal.NewFromInt(2))

	fields := map[string]interface{}{
		"best_bid_price": decimalString(bestBidPrice),
		"best_bid_size":  decimalString(bestBidSize),
		"best_ask_price": decimalString(bestAskPrice),
		"best_ask_size":  decimalString(bestAskSize),
		"spread":         decimalString(spread),
		"mid_price":      mid.String(),
		"last_update_id": line["last_update_id"],
	}
	if deriveFeatures {
		addTimeFeatures(fields, int64(eventTS))
	}

	return warehouse.Row{
		Symbol: symbol, EventTS: int64(eventTS), DataType: "depth_snapshots", Fields: fields,
	}, nil
}

// bestLevel reads the [price, qty] pair at the top of a decoded bids/asks
// array (JSON depth levels are [price_string, qty_string] pairs per §4.5).
func bestLevel(levels []interface{}) (decimal.Decimal, decimal.Decimal) {
	if len(levels) == 0 {
		return decimal.Zero, decimal.Zero
	}
	pair, ok := levels[0].([]interface{})
	if !ok || len(pair) < 2 {
		return decimal.Zero, decimal.Zero
	}
	price, _ := decimal.NewFromString(fmt.Sprint(pair[0]))
	qty, _ := decimal.NewFromString(fmt.Sprint(pair[1]))
	return price, qty
}

// decimalString formats d at the scale it was parsed with, so "100.50"
// comes back as "100.50" rather than the trimmed "100.5".
func decimalString(d decimal.Decimal) string {
	if d.Exponent() < 0 {
		return d.StringFixed(-d.Exponent())
	}
	return d.String()
}

// addTimeFeatures adds the derived features hour_of_day and day_of_week.
// These are the only derived features in the ETL path; no per-symbol
// price delta is computed, here or in the orchestrator.
func addTimeFeatures(fields map[string]interface{}, eventTSMillis int64) {
	t := time.UnixMilli(eventTSMillis).UTC()
	fields["hour_of_day"] = t.Hour()
	fields["day_of_week"] = int(t.Weekday())
}
