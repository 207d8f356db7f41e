package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcdatapipe/pipeline/internal/domain"
	"github.com/btcdatapipe/pipeline/internal/hotstore"
	"github.com/btcdatapipe/pipeline/internal/obshealth"
)

const ringCapacity = 1000

type bufferKey struct {
	Symbol      string
	MessageType string
}

// Config mirrors §4.8's tunables: min_messages/max_interval govern the
// trigger, check_interval the wake cadence, feature_ttl the hot-store
// TTL applied to both the timestamped and :latest keys.
type Config struct {
	MinMessages   int
	MaxInterval   time.Duration
	CheckInterval time.Duration
	FeatureTTL    time.Duration
}

// Aggregator is C8: windows bus-delivered messages per (symbol,
// message_type) and writes derived feature records to the hot store.
type Aggregator struct {
	cfg      Config
	hotStore hotstore.HotStore
	now      func() time.Time

	mu      sync.Mutex
	buffers map[bufferKey]*ringBuffer

	writeMu      sync.Mutex
	totalWrites  int64
	failedWrites int64
}

func NewAggregator(hotStore hotstore.HotStore, cfg Config) *Aggregator {
	if cfg.MinMessages <= 0 {
		cfg.MinMessages = 50
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 10 * time.Second
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.FeatureTTL <= 0 {
		cfg.FeatureTTL = 300 * time.Second
	}
	return &Aggregator{
		cfg:      cfg,
		hotStore: hotStore,
		now:      time.Now,
		buffers:  make(map[bufferKey]*ringBuffer),
	}
}

// IngestRecord unwraps one raw bus payload (a domain.BusRecord envelope
// carrying a typed record) and routes it into its (symbol, message_type)
// buffer. Malformed envelopes and unknown message types are logged and
// dropped, not fatal, matching §4.8's consumer resilience.
func (a *Aggregator) IngestRecord(data []byte) {
	messageType, recordBytes, err := decodeEnvelope(data)
	if err != nil {
		logDropped("envelope", err)
		return
	}
	record, symbol, err := decodeTypedRecord(messageType, recordBytes)
	if err != nil {
		logDropped("record", err)
		return
	}
	a.Ingest(messageType, symbol, record)
}

func decodeTypedRecord(messageType string, data []byte) (interface{}, string, error) {
	switch messageType {
	case "trade":
		var t domain.Trade
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, "", err
		}
		return t, t.Symbol, nil
	case "bestBidAsk":
		var q domain.BestBidAsk
		if err := json.Unmarshal(data, &q); err != nil {
			return nil, "", err
		}
		return q, q.Symbol, nil
	case "depth":
		var d domain.DepthSnapshot
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, "", err
		}
		return d, d.Symbol, nil
	default:
		return nil, "", fmt.Errorf("aggregator: unknown message_type %q", messageType)
	}
}

// Ingest routes one decoded domain record into its (symbol, message_type)
// buffer.
func (a *Aggregator) Ingest(messageType, symbol string, record interface{}) {
	key := bufferKey{Symbol: symbol, MessageType: messageType}
	a.mu.Lock()
	buf, ok := a.buffers[key]
	if !ok {
		buf = newRingBuffer(ringCapacity)
		a.buffers[key] = buf
	}
	buf.push(record)
	a.mu.Unlock()
}

// Run wakes every check_interval and triggers aggregation for any buffer
// that has crossed its threshold.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.checkAll(ctx)
		}
	}
}

func (a *Aggregator) checkAll(ctx context.Context) {
	now := a.now()
	a.mu.Lock()
	due := make(map[bufferKey]*ringBuffer)
	for key, buf := range a.buffers {
		if buf.len() == 0 {
			continue
		}
		if buf.len() >= a.cfg.MinMessages || now.Sub(buf.lastAgg) >= a.cfg.MaxInterval {
			due[key] = buf
		}
	}
	a.mu.Unlock()

	for key, buf := range due {
		a.mu.Lock()
		items := buf.drain()
		buf.lastAgg = now
		a.mu.Unlock()
		if len(items) == 0 {
			continue
		}
		a.aggregate(ctx, key, items)
	}
}

func (a *Aggregator) aggregate(ctx context.Context, key bufferKey, items []interface{}) {
	fields, ok := a.buildFeatures(key.MessageType, items)
	if !ok {
		return
	}

	record := domain.FeatureRecord{
		Symbol:         key.Symbol,
		Timestamp:      a.now().Unix(),
		MessageCount:   len(items),
		MessageType:    key.MessageType,
		FeatureVersion: "1.0",
		Fields:         fields,
	}
	a.writeOut(ctx, record)
}

func (a *Aggregator) buildFeatures(messageType string, items []interface{}) (map[string]interface{}, bool) {
	switch messageType {
	case "trade":
		trades := make([]domain.Trade, 0, len(items))
		for _, item := range items {
			if tr, ok := item.(domain.Trade); ok {
				trades = append(trades, tr)
			}
		}
		if len(trades) == 0 {
			return nil, false
		}
		sort.Slice(trades, func(i, j int) bool { return trades[i].EventTS < trades[j].EventTS })
		span := float64(trades[len(trades)-1].EventTS-trades[0].EventTS) / 1000.0
		return buildTradeFeatures(trades, span), true
	case "bestBidAsk":
		quotes := make([]domain.BestBidAsk, 0, len(items))
		for _, item := range items {
			if q, ok := item.(domain.BestBidAsk); ok {
				quotes = append(quotes, q)
			}
		}
		if len(quotes) == 0 {
			return nil, false
		}
		return buildBBAFeatures(quotes), true
	case "depth":
		snaps := make([]domain.DepthSnapshot, 0, len(items))
		for _, item := range items {
			if d, ok := item.(domain.DepthSnapshot); ok {
				snaps = append(snaps, d)
			}
		}
		if len(snaps) == 0 {
			return nil, false
		}
		return buildDepthFeatures(snaps), true
	default:
		return nil, false
	}
}

// writeOut persists the feature record under both its timestamped key
// and the rolling :latest key, with the same TTL (§3 invariant).
func (a *Aggregator) writeOut(ctx context.Context, record domain.FeatureRecord) {
	body, err := json.Marshal(record)
	if err != nil {
		a.recordWrite(false)
		return
	}

	tsKey := hotstore.FeatureKey(record.Symbol, record.Timestamp)
	latestKey := hotstore.LatestKey(record.Symbol)

	ok := true
	if err := a.hotStore.SetEX(ctx, tsKey, string(body), a.cfg.FeatureTTL); err != nil {
		ok = false
	}
	if err := a.hotStore.SetEX(ctx, latestKey, string(body), a.cfg.FeatureTTL); err != nil {
		ok = false
	}
	a.recordWrite(ok)
}

func (a *Aggregator) recordWrite(ok bool) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.totalWrites++
	if !ok {
		a.failedWrites++
	}
}

// HealthCheck implements obshealth.Checker: degraded once write failures
// exceed 5% of total attempts (§4.8).
func (a *Aggregator) HealthCheck(ctx context.Context) obshealth.Health {
	a.writeMu.Lock()
	total, failed := a.totalWrites, a.failedWrites
	a.writeMu.Unlock()

	status := obshealth.StatusHealthy
	var issues []string
	if total > 0 && float64(failed)/float64(total) > 0.05 {
		status = obshealth.StatusDegraded
		issues = append(issues, fmt.Sprintf("hot-store write failure rate %d/%d exceeds 5%%", failed, total))
	}
	return obshealth.Health{
		Status: status,
		Issues: issues,
		Stats: map[string]interface{}{
			"total_writes":  total,
			"failed_writes": failed,
		},
	}
}
