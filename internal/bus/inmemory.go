package bus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// InMemoryBus is a reference EventBus: one shard per stream, an
// append-only log, and iterators that are just indices into it. Good
// enough to exercise C6/C8 against without a real Kinesis-shaped
// service.
type InMemoryBus struct {
	mu      sync.Mutex
	streams map[string][]ConsumedRecord
	seq     map[string]int64
	now     func() int64
}

func NewInMemoryBus(nowMillis func() int64) *InMemoryBus {
	return &InMemoryBus{
		streams: make(map[string][]ConsumedRecord),
		seq:     make(map[string]int64),
		now:     nowMillis,
	}
}

func (b *InMemoryBus) PutRecords(ctx context.Context, in PutRecordsInput) (PutRecordsOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := PutRecordsOutput{Records: make([]ShardRecordResult, len(in.Records))}
	for i, rec := range in.Records {
		b.seq[in.StreamName]++
		seqNum := strconv.FormatInt(b.seq[in.StreamName], 10)
		b.streams[in.StreamName] = append(b.streams[in.StreamName], ConsumedRecord{
			PartitionKey:   rec.PartitionKey,
			Data:           rec.Data,
			SequenceNumber: seqNum,
			ArrivalTS:      b.now(),
		})
		out.Records[i] = ShardRecordResult{SequenceNumber: seqNum, ShardID: "shard-0"}
	}
	return out, nil
}

func (b *InMemoryBus) DescribeStream(ctx context.Context, streamName string) ([]Shard, error) {
	return []Shard{{ShardID: "shard-0"}}, nil
}

// iterator encodes stream name + offset; "LATEST" starts at the current
// log length, "TRIM_HORIZON" at 0, "AFTER_SEQUENCE_NUMBER" resumes past
// the given sequence number.
func (b *InMemoryBus) GetShardIterator(ctx context.Context, streamName, shardID, iteratorType string, sequenceNumber string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var offset int
	switch iteratorType {
	case "LATEST":
		offset = len(b.streams[streamName])
	case "TRIM_HORIZON":
		offset = 0
	case "AFTER_SEQUENCE_NUMBER":
		n, err := strconv.ParseInt(sequenceNumber, 10, 64)
		if err != nil {
			return "", fmt.Errorf("bus: bad sequence number %q: %w", sequenceNumber, err)
		}
		offset = int(n)
	default:
		return "", fmt.Errorf("bus: unknown iterator type %q", iteratorType)
	}
	return fmt.Sprintf("%s:%d", streamName, offset), nil
}

func (b *InMemoryBus) GetRecords(ctx context.Context, iterator string, limit int) ([]ConsumedRecord, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var streamName string
	var offset int
	if _, err := fmt.Sscanf(iterator, "%s", &streamName); err != nil {
		return nil, "", fmt.Errorf("bus: malformed iterator %q", iterator)
	}
	idx := lastColon(iterator)
	if idx < 0 {
		return nil, "", fmt.Errorf("bus: malformed iterator %q", iterator)
	}
	streamName = iterator[:idx]
	if _, err := fmt.Sscanf(iterator[idx+1:], "%d", &offset); err != nil {
		return nil, "", fmt.Errorf("bus: malformed iterator offset %q", iterator)
	}

	log := b.streams[streamName]
	if offset > len(log) {
		return nil, "", ErrExpiredIterator
	}
	end := offset + limit
	if end > len(log) {
		end = len(log)
	}
	records := append([]ConsumedRecord(nil), log[offset:end]...)
	next := fmt.Sprintf("%s:%d", streamName, end)
	return records, next, nil
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}
