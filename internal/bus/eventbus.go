// Package bus implements C6, the batching publisher to the log-based
// message bus, grounded on the teacher's stream bus abstraction and
// Kafka producer (shape of PutRecords/partial-failure handling),
// generalized to a Kinesis-shaped interface per §6.
package bus

import (
	"context"
	"fmt"
)

// ShardRecordResult is one record's outcome from a PutRecords call.
type ShardRecordResult struct {
	SequenceNumber string
	ShardID        string
	ErrorCode      string
	ErrorMessage   string
}

func (r ShardRecordResult) Failed() bool { return r.ErrorCode != "" }

// PutRecordsInput/Output model the bus's batch-put surface.
type PutRecordsInput struct {
	StreamName string
	Records    []Record
}

// Record is one record offered to PutRecords; PartitionKey governs shard
// routing.
type Record struct {
	PartitionKey string
	Data         []byte
}

type PutRecordsOutput struct {
	FailedRecordCount int
	Records           []ShardRecordResult
}

type Shard struct {
	ShardID string
}

// EventBus is the Kinesis-shaped external collaborator named in §6.
type EventBus interface {
	PutRecords(ctx context.Context, in PutRecordsInput) (PutRecordsOutput, error)
	DescribeStream(ctx context.Context, streamName string) ([]Shard, error)
	GetShardIterator(ctx context.Context, streamName, shardID, iteratorType string, sequenceNumber string) (string, error)
	GetRecords(ctx context.Context, iterator string, limit int) (records []ConsumedRecord, nextIterator string, err error)
}

// ConsumedRecord is one record read back by a consumer (C8).
type ConsumedRecord struct {
	PartitionKey   string
	Data           []byte
	SequenceNumber string
	ArrivalTS      int64
}

// ErrExpiredIterator / ErrProvisionedThroughputExceeded are the two bus
// error conditions §4.8's consumer loop special-cases.
var (
	ErrExpiredIterator               = fmt.Errorf("bus: iterator expired")
	ErrProvisionedThroughputExceeded = fmt.Errorf("bus: provisioned throughput exceeded")
)
