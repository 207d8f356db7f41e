package etl

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/btcdatapipe/pipeline/internal/objectstore"
	"github.com/btcdatapipe/pipeline/internal/warehouse"
)

func newMockOrchestrator(t *testing.T, store objectstore.ObjectStore) (*Orchestrator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	sqlxDB := sqlx.NewDb(db, "postgres")
	repo := warehouse.NewMarketDataRepo(sqlxDB, 5*time.Second)
	orch := NewOrchestrator(store, repo, Config{Bucket: "bronze", BronzePrefix: "bronze", BatchSize: 1000})
	return orch, mock
}

func putLine(t *testing.T, store *objectstore.InMemoryStore, bucket, key string, line string) {
	t.Helper()
	if err := store.PutObject(context.Background(), objectstore.PutObjectInput{
		Bucket: bucket, Key: key, Body: []byte(line + "\n"),
	}); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
}

// TestOrchestratorCycleDiscoversReadsTransformsAndInserts exercises the
// full C7->C9 round trip: one object, one trade line in, one row out.
func TestOrchestratorCycleDiscoversReadsTransformsAndInserts(t *testing.T) {
	store := objectstore.NewInMemoryStore()
	putLine(t, store, "bronze", "bronze/BTCUSDT/aggTrades/2026/01/part-0.jsonl",
		`{"symbol":"BTCUSDT","event_ts":1700000000000,"trade_id":1,"price":"100","qty":"1"}`)

	orch, mock := newMockOrchestrator(t, store)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS market_data_").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS market_data_").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS market_data_").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS market_data_").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO market_data")
	mock.ExpectExec("SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO market_data").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("RELEASE SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	result, err := orch.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if result.FilesDiscovered != 1 || result.Inserted != 1 {
		t.Fatalf("expected 1 file / 1 insert, got %+v", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// TestOrchestratorCycleSkipsAlreadyProcessedFiles models scenario 6's
// duplicate absorption at the orchestrator level: running a second cycle
// against the same bucket state with no new objects must not re-read or
// re-insert anything already marked processed.
func TestOrchestratorCycleSkipsAlreadyProcessedFiles(t *testing.T) {
	store := objectstore.NewInMemoryStore()
	putLine(t, store, "bronze", "bronze/BTCUSDT/aggTrades/2026/01/part-0.jsonl",
		`{"symbol":"BTCUSDT","event_ts":1700000000000,"trade_id":1,"price":"100","qty":"1"}`)

	orch, mock := newMockOrchestrator(t, store)

	for i := 0; i < 4; i++ {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS market_data_").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO market_data")
	mock.ExpectExec("SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO market_data").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("RELEASE SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if _, err := orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("first RunCycle: %v", err)
	}

	for i := 0; i < 4; i++ {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS market_data_").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	result, err := orch.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if result.FilesDiscovered != 0 || result.Inserted != 0 {
		t.Fatalf("expected second cycle to discover nothing new, got %+v", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// TestOrchestratorCycleIsolatesMalformedRowsFromTheRestOfTheBatch covers
// §4.9's failure-isolation contract: a row that fails to transform is
// counted and dropped, not fatal to the rest of the file's rows.
func TestOrchestratorCycleIsolatesMalformedRowsFromTheRestOfTheBatch(t *testing.T) {
	store := objectstore.NewInMemoryStore()
	putLine(t, store, "bronze", "bronze/BTCUSDT/aggTrades/2026/01/part-0.jsonl",
		`{"symbol":"BTCUSDT","event_ts":1700000000000,"trade_id":1,"price":"100","qty":"1"}
{"symbol":"BTCUSDT"}`)

	orch, mock := newMockOrchestrator(t, store)

	for i := 0; i < 4; i++ {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS market_data_").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO market_data")
	mock.ExpectExec("SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO market_data").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("RELEASE SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	result, err := orch.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if result.Inserted != 1 || result.RowsFailed != 1 {
		t.Fatalf("expected 1 inserted and 1 dropped malformed row, got %+v", result)
	}
}
