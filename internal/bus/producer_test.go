package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/btcdatapipe/pipeline/internal/circuit"
)

type scriptedBus struct {
	calls   int
	results []func(in PutRecordsInput) (PutRecordsOutput, error)
}

func (s *scriptedBus) PutRecords(ctx context.Context, in PutRecordsInput) (PutRecordsOutput, error) {
	if s.calls >= len(s.results) {
		return PutRecordsOutput{}, nil
	}
	fn := s.results[s.calls]
	s.calls++
	return fn(in)
}

func (s *scriptedBus) DescribeStream(ctx context.Context, streamName string) ([]Shard, error) {
	return []Shard{{ShardID: "shard-0"}}, nil
}
func (s *scriptedBus) GetShardIterator(ctx context.Context, streamName, shardID, iteratorType, sequenceNumber string) (string, error) {
	return "", nil
}
func (s *scriptedBus) GetRecords(ctx context.Context, iterator string, limit int) ([]ConsumedRecord, string, error) {
	return nil, "", nil
}

func TestPartitionKeyUsesSymbolWhenPresent(t *testing.T) {
	if PartitionKey("BTCUSDT", []byte("anything")) != "BTCUSDT" {
		t.Fatal("expected symbol as partition key")
	}
}

func TestPartitionKeyStableHashWhenNoSymbol(t *testing.T) {
	k1 := PartitionKey("", []byte("payload"))
	k2 := PartitionKey("", []byte("payload"))
	if k1 != k2 {
		t.Fatalf("hash-derived partition key not stable: %q vs %q", k1, k2)
	}
	if len(k1) != 16 {
		t.Fatalf("expected 16 hex chars, got %d (%q)", len(k1), k1)
	}
}

// TestPartialFailureRequeuesFailedRecord exercises §8 scenario 2: a batch
// of 3 where the 2nd record fails; it should be re-queued at the head and
// resent on the next flush.
func TestPartialFailureRequeuesFailedRecord(t *testing.T) {
	scripted := &scriptedBus{
		results: []func(PutRecordsInput) (PutRecordsOutput, error){
			func(in PutRecordsInput) (PutRecordsOutput, error) {
				return PutRecordsOutput{
					FailedRecordCount: 1,
					Records: []ShardRecordResult{
						{SequenceNumber: "1"},
						{ErrorCode: "InternalFailure", ErrorMessage: "boom"},
						{SequenceNumber: "3"},
					},
				}, nil
			},
			func(in PutRecordsInput) (PutRecordsOutput, error) {
				return PutRecordsOutput{Records: []ShardRecordResult{{SequenceNumber: "4"}}}, nil
			},
		},
	}

	p := NewProducer(scripted, Config{BatchSize: 3, FlushInterval: time.Hour})
	ctx := context.Background()
	p.Enqueue(ctx, "stream-x", "BTCUSDT", []byte("rec1"))
	p.Enqueue(ctx, "stream-x", "BTCUSDT", []byte("rec2"))
	p.Enqueue(ctx, "stream-x", "BTCUSDT", []byte("rec3"))

	stats := p.Stats("stream-x")
	if stats.TotalRecords != 2 {
		t.Fatalf("TotalRecords = %d, want 2 immediately after first flush", stats.TotalRecords)
	}
	if stats.FailedRecords != 1 {
		t.Fatalf("FailedRecords = %d, want 1", stats.FailedRecords)
	}
	if stats.QueueDepth != 1 {
		t.Fatalf("QueueDepth = %d, want 1 (the re-queued record)", stats.QueueDepth)
	}

	q := p.queueFor("stream-x")
	p.flushStream(ctx, "stream-x", q)
	stats = p.Stats("stream-x")
	if stats.TotalRecords != 3 {
		t.Fatalf("TotalRecords after retry = %d, want 3", stats.TotalRecords)
	}
	if stats.QueueDepth != 0 {
		t.Fatalf("QueueDepth after retry = %d, want 0", stats.QueueDepth)
	}
}

// TestCircuitBreakerTripsAndRecovers exercises §8 scenario 3.
func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	var puts int
	scripted := &scriptedBus{}
	// Five scripted failures: the 6th flush is short-circuited by the open
	// breaker and never reaches the bus.
	for i := 0; i < 5; i++ {
		scripted.results = append(scripted.results, func(in PutRecordsInput) (PutRecordsOutput, error) {
			puts++
			return PutRecordsOutput{}, fmt.Errorf("flush exception")
		})
	}

	p := NewProducer(scripted, Config{
		BatchSize:     1,
		FlushInterval: time.Hour,
		BreakerConfig: circuit.Config{FailureThreshold: 5, SuccessThreshold: 1, Timeout: 10 * time.Millisecond, RequestTimeout: time.Second},
	})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		p.Enqueue(ctx, "stream-y", "BTCUSDT", []byte(fmt.Sprintf("rec%d", i)))
	}
	if puts != 5 {
		t.Fatalf("puts = %d, want 5 (6th short-circuited by open breaker)", puts)
	}

	time.Sleep(20 * time.Millisecond) // clear recovery_timeout
	scripted.results = append(scripted.results, func(in PutRecordsInput) (PutRecordsOutput, error) {
		puts++
		return PutRecordsOutput{Records: []ShardRecordResult{{SequenceNumber: "ok"}}}, nil
	})
	q := p.queueFor("stream-y")
	p.flushStream(ctx, "stream-y", q)

	breaker := p.breakers.GetOrCreate("stream-y")
	if breaker.Stats().State != circuit.StateClosed {
		t.Fatalf("breaker state = %v, want CLOSED after successful probe", breaker.Stats().State)
	}
}
