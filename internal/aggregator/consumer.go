// Package aggregator implements C8: a multi-shard bus consumer that
// windows messages per (symbol, message_type) and derives feature
// records into the hot store. Grounded on the teacher's websocket
// normalizer dispatch loop (sequential per-message processing) and the
// original implementation's kinesis_consumer/stream_aggregator pairing.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/btcdatapipe/pipeline/internal/bus"
	"github.com/btcdatapipe/pipeline/internal/domain"
)

// ShardConsumer tracks one shard's iterator and last-seen sequence
// number, re-opening on ExpiredIterator and backing off on
// ProvisionedThroughputExceeded per §4.8.
type ShardConsumer struct {
	eventBus     bus.EventBus
	streamName   string
	shardID      string
	iterator     string
	lastSequence string
	pollInterval time.Duration
	sleep        func(time.Duration)
}

func NewShardConsumer(eventBus bus.EventBus, streamName, shardID string, pollInterval time.Duration) *ShardConsumer {
	return &ShardConsumer{
		eventBus:     eventBus,
		streamName:   streamName,
		shardID:      shardID,
		pollInterval: pollInterval,
		sleep:        time.Sleep,
	}
}

// Record is the consumer-side envelope §4.8 names:
// {stream_name, partition_key, sequence_number, data, arrival_ts, now}.
type Record struct {
	StreamName     string
	PartitionKey   string
	SequenceNumber string
	Data           []byte
	ArrivalTS      int64
	Now            int64
}

// Run polls the shard until ctx is cancelled, delivering each record to
// emit.
func (s *ShardConsumer) Run(ctx context.Context, emit func(Record)) error {
	if s.iterator == "" {
		it, err := s.eventBus.GetShardIterator(ctx, s.streamName, s.shardID, "LATEST", "")
		if err != nil {
			return fmt.Errorf("aggregator: get initial iterator: %w", err)
		}
		s.iterator = it
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		records, next, err := s.eventBus.GetRecords(ctx, s.iterator, 500)
		switch {
		case err == bus.ErrExpiredIterator:
			it, reopenErr := s.eventBus.GetShardIterator(ctx, s.streamName, s.shardID, "AFTER_SEQUENCE_NUMBER", s.lastSequence)
			if reopenErr != nil {
				return fmt.Errorf("aggregator: reopen iterator: %w", reopenErr)
			}
			s.iterator = it
			continue
		case err == bus.ErrProvisionedThroughputExceeded:
			s.sleep(2 * time.Second)
			continue
		case err != nil:
			return fmt.Errorf("aggregator: get records: %w", err)
		}

		for _, r := range records {
			emit(Record{
				StreamName:     s.streamName,
				PartitionKey:   r.PartitionKey,
				SequenceNumber: r.SequenceNumber,
				Data:           r.Data,
				ArrivalTS:      r.ArrivalTS,
				Now:            time.Now().UnixMilli(),
			})
			s.lastSequence = r.SequenceNumber
		}
		s.iterator = next
		s.sleep(s.pollInterval)
	}
}

// decodeEnvelope unwraps the producer-side domain.BusRecord envelope,
// recovering the message_type tag needed to dispatch the nested record
// to its typed decoder.
func decodeEnvelope(data []byte) (string, []byte, error) {
	var env domain.BusRecord
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("aggregator: decode envelope: %w", err)
	}
	return env.MessageType, env.Data, nil
}

func logDropped(reason string, err error) {
	log.Warn().Err(err).Str("reason", reason).Msg("aggregator dropped malformed message")
}
