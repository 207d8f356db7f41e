// Package warehouse holds the relational sink for C9: a single
// partitioned table market_data keyed by (symbol, timestamp, data_type,
// COALESCE(trade_id, 0)), grounded on the teacher's trades_repo (the
// same sqlx + lib/pq batched-insert, pq.Error 23505 duplicate-detection
// idiom) generalized from one table/venue shape to the four data_type
// rows this pipeline ingests.
package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolationCode = "23505"

// Row is one market_data row; Fields carries the data_type-specific and
// derived-feature columns (§4.9 step 3) as JSONB so the schema doesn't
// need a column per data type.
type Row struct {
	Symbol   string
	EventTS  int64 // millis; underlies the monthly partition key
	DataType string
	TradeID  int64 // COALESCE(trade_id, 0) — zero means "no trade id"
	Fields   map[string]interface{}
}

// InsertResult reports the batch outcome per §4.9 step 4: unique
// violations are counted as duplicate_skip, not failures.
type InsertResult struct {
	Inserted      int
	DuplicateSkip int
	Failed        int
}

// MarketDataRepo is the C9 sink.
type MarketDataRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewMarketDataRepo(db *sqlx.DB, timeout time.Duration) *MarketDataRepo {
	return &MarketDataRepo{db: db, timeout: timeout}
}

// EnsurePartitions creates monthly partitions for the current month plus
// the next three, per §4.9 step 4 ("monthly partitions created on first
// use for current + next 3 months").
func (r *MarketDataRepo) EnsurePartitions(ctx context.Context, from time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	month := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		start := month.AddDate(0, i, 0)
		end := start.AddDate(0, 1, 0)
		partName := fmt.Sprintf("market_data_%04d%02d", start.Year(), start.Month())
		stmt := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s PARTITION OF market_data
			FOR VALUES FROM (%d) TO (%d)`,
			partName, start.UnixMilli(), end.UnixMilli())
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("warehouse: ensure partition %s: %w", partName, err)
		}
	}
	return nil
}

// InsertBatch inserts rows one statement at a time inside a single
// transaction so a unique-violation on one row doesn't abort the rest —
// each row's outcome is isolated per §4.9's "per-file failure is
// isolated and counted."
func (r *MarketDataRepo) InsertBatch(ctx context.Context, rows []Row) (InsertResult, error) {
	if len(rows) == 0 {
		return InsertResult{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(rows)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return InsertResult{}, fmt.Errorf("warehouse: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO market_data (symbol, ts, data_type, trade_id, fields)
		VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return InsertResult{}, fmt.Errorf("warehouse: prepare: %w", err)
	}
	defer stmt.Close()

	var result InsertResult
	for i, row := range rows {
		fieldsJSON, err := json.Marshal(row.Fields)
		if err != nil {
			result.Failed++
			continue
		}
		// A savepoint per row keeps one row's unique-violation from
		// aborting the whole transaction, matching §4.9's isolation of
		// per-row failures within a batch.
		sp := fmt.Sprintf("row_%d", i)
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
			return result, fmt.Errorf("warehouse: savepoint: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, row.Symbol, row.EventTS, row.DataType, row.TradeID, fieldsJSON); err != nil {
			tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp)
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolationCode {
				result.DuplicateSkip++
				continue
			}
			result.Failed++
			continue
		}
		tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp)
		result.Inserted++
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("warehouse: commit: %w", err)
	}
	return result, nil
}

// Insert inserts a single row, used by tests and low-throughput paths;
// production batches go through InsertBatch.
func (r *MarketDataRepo) Insert(ctx context.Context, row Row) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fieldsJSON, err := json.Marshal(row.Fields)
	if err != nil {
		return fmt.Errorf("warehouse: marshal fields: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO market_data (symbol, ts, data_type, trade_id, fields)
		VALUES ($1, $2, $3, $4, $5)`,
		row.Symbol, row.EventTS, row.DataType, row.TradeID, fieldsJSON)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolationCode {
			return ErrDuplicate
		}
		return fmt.Errorf("warehouse: insert: %w", err)
	}
	return nil
}

// ErrDuplicate is returned by Insert (not InsertBatch, which absorbs it
// into InsertResult.DuplicateSkip) when the unique key already exists.
var ErrDuplicate = fmt.Errorf("warehouse: duplicate row")
