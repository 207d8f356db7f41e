package aggregator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/btcdatapipe/pipeline/internal/domain"
	"github.com/btcdatapipe/pipeline/internal/hotstore"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// TestTradeFeaturesScenario4 reproduces §8 scenario 4 exactly: three
// trades for BTCUSDT, min_messages=3, expecting vwap=101.25 and the rest
// of the documented aggregate values.
func TestTradeFeaturesScenario4(t *testing.T) {
	store := hotstore.NewFakeStore()
	agg := NewAggregator(store, Config{MinMessages: 3, MaxInterval: time.Hour, CheckInterval: 10 * time.Millisecond})

	base := int64(1_700_000_000_000)
	trades := []domain.Trade{
		{Symbol: "BTCUSDT", EventTS: base, Price: dec("100"), Qty: dec("1"), IsBuyerMaker: true},
		{Symbol: "BTCUSDT", EventTS: base + 500, Price: dec("102"), Qty: dec("2"), IsBuyerMaker: false},
		{Symbol: "BTCUSDT", EventTS: base + 1000, Price: dec("101"), Qty: dec("1"), IsBuyerMaker: false},
	}
	for _, tr := range trades {
		agg.Ingest("trade", tr.Symbol, tr)
	}

	agg.checkAll(context.Background())

	raw, found, err := store.Get(context.Background(), hotstore.LatestKey("BTCUSDT"))
	if err != nil || !found {
		t.Fatalf("expected features:BTCUSDT:latest to be written: found=%v err=%v", found, err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("decode feature record: %v", err)
	}

	checks := map[string]float64{
		"price":            101,
		"volume":           4,
		"vwap":             101.25,
		"buy_volume":       3,
		"sell_volume":      1,
		"volume_imbalance": 0.5,
	}
	for field, want := range checks {
		got, ok := got[field].(float64)
		if !ok {
			t.Fatalf("field %q missing or not numeric in %+v", field, got)
		}
		if diff := got - want; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("field %q = %v, want %v", field, got, want)
		}
	}
	if got["trade_count"].(float64) != 3 {
		t.Fatalf("trade_count = %v, want 3", got["trade_count"])
	}
}

func TestWindowAtExactlyMinMessagesFires(t *testing.T) {
	store := hotstore.NewFakeStore()
	agg := NewAggregator(store, Config{MinMessages: 2, MaxInterval: time.Hour, CheckInterval: time.Hour})
	agg.Ingest("trade", "ETHUSDT", domain.Trade{Symbol: "ETHUSDT", EventTS: 1, Price: dec("10"), Qty: dec("1")})
	agg.Ingest("trade", "ETHUSDT", domain.Trade{Symbol: "ETHUSDT", EventTS: 2, Price: dec("11"), Qty: dec("1")})

	agg.checkAll(context.Background())

	_, found, _ := store.Get(context.Background(), hotstore.LatestKey("ETHUSDT"))
	if !found {
		t.Fatal("expected window to fire exactly at min_messages")
	}
}
