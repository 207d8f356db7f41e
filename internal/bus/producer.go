package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/btcdatapipe/pipeline/internal/circuit"
	"github.com/btcdatapipe/pipeline/internal/obshealth"
)

const (
	defaultBatchSize     = 500
	defaultFlushInterval = time.Second
	highWaterMark        = 1000
)

// Producer is C6: one logical producer multiplexing N per-stream queues,
// each with its own breaker and single-flight flush discipline.
type Producer struct {
	bus           EventBus
	breakers      *circuit.Manager
	batchSize     int
	flushInterval time.Duration

	mu     sync.Mutex
	queues map[string]*streamQueue

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type streamQueue struct {
	flushMu sync.Mutex // held for a whole flush, so flushes of one stream run serially
	mu      sync.Mutex
	records [][]byte
	// total_records / failed_records counters per §8 scenario 2.
	totalRecords   int64
	failedRecords  int64
	droppedRecords int64
	lastFlush      time.Time
}

type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BreakerConfig circuit.Config
}

func NewProducer(bus EventBus, cfg Config) *Producer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.BreakerConfig.FailureThreshold <= 0 {
		cfg.BreakerConfig.FailureThreshold = 5
	}
	if cfg.BreakerConfig.SuccessThreshold <= 0 {
		cfg.BreakerConfig.SuccessThreshold = 1
	}
	if cfg.BreakerConfig.Timeout <= 0 {
		cfg.BreakerConfig.Timeout = 30 * time.Second
	}
	if cfg.BreakerConfig.RequestTimeout <= 0 {
		cfg.BreakerConfig.RequestTimeout = 10 * time.Second
	}
	return &Producer{
		bus:           bus,
		breakers:      circuit.NewManager(cfg.BreakerConfig),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		queues:        make(map[string]*streamQueue),
		stopCh:        make(chan struct{}),
	}
}

func (p *Producer) queueFor(stream string) *streamQueue {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[stream]
	if !ok {
		q = &streamQueue{lastFlush: time.Now()}
		p.queues[stream] = q
	}
	return q
}

// PartitionKey implements §4.6: use the payload's symbol if present,
// else the first 16 hex chars of a fast hash of the serialized payload.
func PartitionKey(symbol string, payload []byte) string {
	if symbol != "" {
		return symbol
	}
	sum := xxhash.Sum64(payload)
	return fmt.Sprintf("%016x", sum)
}

// Enqueue appends a serialized record to stream's queue, triggering an
// immediate flush if the queue has reached batch_size.
func (p *Producer) Enqueue(ctx context.Context, stream string, partitionKey string, payload []byte) {
	q := p.queueFor(stream)
	q.mu.Lock()
	q.records = append(q.records, encode(partitionKey, payload))
	full := len(q.records) >= p.batchSize
	q.mu.Unlock()

	if full {
		p.flushStream(ctx, stream, q)
	}
}

// entry is a queued (partitionKey, payload) pair, flattened to bytes via
// a trivial length-prefixed encoding so streamQueue.records stays a
// plain [][]byte.
func encode(partitionKey string, payload []byte) []byte {
	out := make([]byte, 0, 2+len(partitionKey)+len(payload))
	out = append(out, byte(len(partitionKey)))
	out = append(out, partitionKey...)
	out = append(out, payload...)
	return out
}

func decode(entry []byte) (partitionKey string, payload []byte) {
	n := int(entry[0])
	return string(entry[1 : 1+n]), entry[1+n:]
}

// flushStream is single-flight per stream (serial within a stream,
// parallel across streams per §4.6's concurrency rule) via the queue's
// flushMu.
func (p *Producer) flushStream(ctx context.Context, stream string, q *streamQueue) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	if len(q.records) == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.records
	if len(batch) > p.batchSize {
		batch = batch[:p.batchSize]
	}
	q.records = q.records[len(batch):]
	q.mu.Unlock()

	records := make([]Record, len(batch))
	for i, entry := range batch {
		key, payload := decode(entry)
		records[i] = Record{PartitionKey: key, Data: payload}
	}

	err := p.breakers.Call(ctx, stream, func(ctx context.Context) error {
		out, err := p.bus.PutRecords(ctx, PutRecordsInput{StreamName: stream, Records: records})
		if err != nil {
			return err
		}
		return p.handleResult(q, records, out)
	})
	if err != nil {
		// Breaker open or transport failure: requeue the whole batch at
		// the head so nothing is lost while the breaker recovers.
		q.mu.Lock()
		q.records = append(batch, q.records...)
		q.mu.Unlock()
		log.Warn().Err(err).Str("stream", stream).Msg("bus flush failed, requeued batch")
		return
	}

	q.mu.Lock()
	q.lastFlush = time.Now()
	q.mu.Unlock()
}

// handleResult re-queues individually failed records at the queue head,
// subject to the high-water-mark drop policy, and updates counters.
func (p *Producer) handleResult(q *streamQueue, sent []Record, out PutRecordsOutput) error {
	if out.FailedRecordCount == 0 {
		q.mu.Lock()
		q.totalRecords += int64(len(sent))
		q.mu.Unlock()
		return nil
	}

	var toRequeue [][]byte
	succeeded := 0
	for i, result := range out.Records {
		if !result.Failed() {
			succeeded++
			continue
		}
		toRequeue = append(toRequeue, encode(sent[i].PartitionKey, sent[i].Data))
	}

	q.mu.Lock()
	q.totalRecords += int64(succeeded)
	q.failedRecords += int64(len(toRequeue))
	if len(q.records)+len(toRequeue) > highWaterMark {
		overflow := len(q.records) + len(toRequeue) - highWaterMark
		if overflow > len(toRequeue) {
			overflow = len(toRequeue)
		}
		q.droppedRecords += int64(overflow)
		toRequeue = toRequeue[overflow:]
		log.Warn().Str("dropped", fmt.Sprint(overflow)).Msg("bus queue above high-water mark, dropping")
	}
	q.records = append(toRequeue, q.records...)
	q.mu.Unlock()
	return nil
}

// Start launches the background flush loop enforcing flush_interval
// independently of batch_size triggers.
func (p *Producer) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.flushDue(ctx)
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *Producer) flushDue(ctx context.Context) {
	p.mu.Lock()
	streams := make(map[string]*streamQueue, len(p.queues))
	for name, q := range p.queues {
		streams[name] = q
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for name, q := range streams {
		q.mu.Lock()
		due := len(q.records) > 0 && time.Since(q.lastFlush) >= p.flushInterval
		q.mu.Unlock()
		if !due {
			continue
		}
		wg.Add(1)
		go func(name string, q *streamQueue) {
			defer wg.Done()
			p.flushStream(ctx, name, q)
		}(name, q)
	}
	wg.Wait()
}

// Stop cancels the flush loop and issues a final flush pass for every
// non-empty stream queue (§4.6 shutdown).
func (p *Producer) Stop(ctx context.Context) {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	streams := make(map[string]*streamQueue, len(p.queues))
	for name, q := range p.queues {
		streams[name] = q
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for name, q := range streams {
		wg.Add(1)
		go func(name string, q *streamQueue) {
			defer wg.Done()
			p.flushStream(ctx, name, q)
		}(name, q)
	}
	wg.Wait()
}

// Stats reports per-stream counters for observability/tests.
type Stats struct {
	TotalRecords   int64
	FailedRecords  int64
	DroppedRecords int64
	QueueDepth     int
}

func (p *Producer) Stats(stream string) Stats {
	q := p.queueFor(stream)
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		TotalRecords:   q.totalRecords,
		FailedRecords:  q.failedRecords,
		DroppedRecords: q.droppedRecords,
		QueueDepth:     len(q.records),
	}
}

// HealthCheck implements obshealth.Checker: degraded when any per-stream
// breaker has tripped open, so an operator can see which streams are
// being shed before the queue depth alone would reveal it.
func (p *Producer) HealthCheck(ctx context.Context) obshealth.Health {
	unhealthy := p.breakers.GetUnhealthyDomains()
	status := obshealth.StatusHealthy
	if len(unhealthy) > 0 {
		status = obshealth.StatusDegraded
	}
	return obshealth.Health{
		Status: status,
		Issues: unhealthy,
		Stats: map[string]interface{}{
			"breakers": p.breakers.Stats(),
		},
	}
}
