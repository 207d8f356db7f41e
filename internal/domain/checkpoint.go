package domain

import "github.com/google/uuid"

// Checkpoint is the resumable backfill cursor for one (symbol, data_type).
// Stats carries the original implementation's per-cycle collection
// counters beyond the bare last_timestamp/total_records pair.
type Checkpoint struct {
	ID              string           `json:"id"`
	Symbol          string           `json:"symbol"`
	DataType        string           `json:"data_type"`
	LastTimestamp   int64            `json:"last_timestamp"`
	LastTradeID     *int64           `json:"last_trade_id,omitempty"`
	TotalRecords    int64            `json:"total_records"`
	Stats           map[string]int64 `json:"stats"`
	LastUpdatedUnix int64            `json:"last_updated_unix"`
}

// NewCheckpoint builds the lazily-created checkpoint for a fresh backfill.
func NewCheckpoint(symbol, dataType string, start int64) Checkpoint {
	return Checkpoint{
		ID:            uuid.NewString(),
		Symbol:        symbol,
		DataType:      dataType,
		LastTimestamp: start,
		Stats:         map[string]int64{},
	}
}

// Advance merges a completed batch's results, enforcing P5: last_timestamp
// never decreases.
func (c *Checkpoint) Advance(newCursor int64, lastTradeID *int64, recordsInBatch int64) {
	if newCursor > c.LastTimestamp {
		c.LastTimestamp = newCursor
	}
	if lastTradeID != nil {
		c.LastTradeID = lastTradeID
	}
	c.TotalRecords += recordsInBatch
	if c.Stats == nil {
		c.Stats = map[string]int64{}
	}
	c.Stats["records_collected"] += recordsInBatch
	c.Stats["batches_completed"]++
}
