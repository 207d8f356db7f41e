package restfeed

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/btcdatapipe/pipeline/internal/checkpoint"
	"github.com/btcdatapipe/pipeline/internal/circuit"
	"github.com/btcdatapipe/pipeline/internal/domain"
	"github.com/btcdatapipe/pipeline/internal/httpx"
	"github.com/btcdatapipe/pipeline/internal/ratelimit"
)

const (
	batchWindow  = 24 * time.Hour
	maxPageLimit = 1000
	politeDelay  = 100 * time.Millisecond
)

// Backfiller is C4: a checkpointed, paginated historical pull.
type Backfiller struct {
	client      ExchangeClient
	limiter     *ratelimit.Limiter
	retry       circuit.RetryPolicy
	checkpoints checkpoint.Store
	now         func() time.Time
	sleep       func(time.Duration)
}

func NewBackfiller(client ExchangeClient, limiter *ratelimit.Limiter, retry circuit.RetryPolicy, checkpoints checkpoint.Store) *Backfiller {
	return &Backfiller{
		client:      client,
		limiter:     limiter,
		retry:       retry,
		checkpoints: checkpoints,
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// BackfillTrades implements §4.4's algorithm for the aggTrades data type,
// invoking emit for each normalized Trade in exchange order and
// persisting the checkpoint after every batch.
func (b *Backfiller) BackfillTrades(ctx context.Context, symbol string, start, end int64, emit func(domain.Trade) error) error {
	dataType := "aggTrades"

	cp, found, err := b.checkpoints.Load(ctx, symbol, dataType)
	if err != nil {
		return fmt.Errorf("restfeed: load checkpoint: %w", err)
	}
	cursor := start
	if found {
		cursor = cp.LastTimestamp
	} else {
		cp = domain.NewCheckpoint(symbol, dataType, start)
	}

	for cursor < end {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batchEnd := cursor + batchWindow.Milliseconds()
		if batchEnd > end {
			batchEnd = end
		}

		trades, err := b.fetchPage(ctx, symbol, cursor, batchEnd)
		if err != nil {
			return fmt.Errorf("restfeed: fetch page [%d,%d): %w", cursor, batchEnd, err)
		}

		if len(trades) == 0 {
			cursor = batchEnd + 1
			b.sleep(politeDelay)
			continue
		}

		var lastTradeID int64
		recordsInBatch := int64(0)
		for _, raw := range trades {
			trade, err := normalizeTrade(raw, b.now())
			if err != nil {
				continue // a record failing validation is skipped, not counted, and never emitted
			}
			if err := emit(trade); err != nil {
				return fmt.Errorf("restfeed: emit: %w", err)
			}
			if trade.EventTS+1 > cursor {
				cursor = trade.EventTS + 1
			}
			lastTradeID = trade.TradeID
			recordsInBatch++
		}

		cp.Advance(cursor, &lastTradeID, recordsInBatch)
		if err := b.checkpoints.Save(ctx, cp); err != nil {
			return fmt.Errorf("restfeed: save checkpoint: %w", err)
		}

		b.sleep(politeDelay)
	}
	return nil
}

// fetchPage applies the rate limiter, the 429/Retry-After protocol, and
// C2's retry policy for all other transport failures.
func (b *Backfiller) fetchPage(ctx context.Context, symbol string, cursor, batchEnd int64) ([]RawTrade, error) {
	if err := b.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	var trades []RawTrade
	err := b.retry.Do(ctx, func(ctx context.Context) error {
		t, resp, err := b.client.FetchAggTrades(ctx, symbol, cursor, batchEnd, maxPageLimit)
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			wait := httpx.RetryAfter(resp, time.Second)
			b.sleep(wait)
			t, resp, err = b.client.FetchAggTrades(ctx, symbol, cursor, batchEnd, maxPageLimit)
		}
		if err != nil {
			return err
		}
		trades = t
		return nil
	})
	return trades, err
}

func normalizeTrade(raw RawTrade, now time.Time) (domain.Trade, error) {
	price, err := decimal.NewFromString(raw.Price)
	if err != nil {
		return domain.Trade{}, &domain.ErrValidation{Field: "price", Reason: err.Error()}
	}
	qty, err := decimal.NewFromString(raw.Qty)
	if err != nil {
		return domain.Trade{}, &domain.ErrValidation{Field: "qty", Reason: err.Error()}
	}
	if !domain.ValidTimestamp(raw.EventTime) {
		return domain.Trade{}, &domain.ErrValidation{Field: "event_ts", Reason: "out of bounds"}
	}
	return domain.Trade{
		Symbol:       raw.Symbol,
		EventTS:      raw.EventTime,
		IngestTS:     now.UnixMilli(),
		TradeID:      raw.AggTradeID,
		Price:        price,
		Qty:          qty,
		IsBuyerMaker: raw.IsBuyerMaker,
		Source:       domain.SourceREST,
	}, nil
}
