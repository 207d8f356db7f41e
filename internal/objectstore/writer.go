package objectstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcdatapipe/pipeline/internal/circuit"
	"github.com/btcdatapipe/pipeline/internal/dedup"
	"github.com/rs/zerolog/log"
)

// WriterConfig parameterizes C7 per §4.7.
type WriterConfig struct {
	BronzePrefix      string
	Compression       bool
	BufferMaxRecords  int
	BufferIdleTimeout time.Duration
	Retry             circuit.RetryPolicy
}

// NaturalIDer is implemented by every domain record type so the writer
// can key C3 dedup on the natural identity named in §4.7 (trade_id,
// open_time, last_update_id).
type NaturalIDer interface {
	NaturalID() string
}

// PartitionWriter emits JSONL(+gzip) objects keyed by
// <bronze>/<symbol>/<data_type>/yyyy=/mm=/dd=/hh=/<data_type>_<ts>.jsonl[.gz],
// per §4.7/§6's object key grammar, and buffers per (symbol, data_type)
// for streaming use, flushing on size or idle time.
type PartitionWriter struct {
	store  ObjectStore
	bucket string
	cfg    WriterConfig
	dedup  *dedup.Deduplicator

	mu      sync.Mutex
	buffers map[string]*buffer
	now     func() time.Time
}

type buffer struct {
	symbol, dataType string
	records          [][]byte
	lastFlush        time.Time
}

func NewPartitionWriter(store ObjectStore, bucket string, cfg WriterConfig, d *dedup.Deduplicator) *PartitionWriter {
	return &PartitionWriter{
		store:   store,
		bucket:  bucket,
		cfg:     cfg,
		dedup:   d,
		buffers: make(map[string]*buffer),
		now:     time.Now,
	}
}

// Key builds the object key for a record per the bit-exact grammar in §6.
func Key(bronzePrefix, symbol, dataType string, eventTS time.Time, gzip bool) string {
	ext := ".jsonl"
	if gzip {
		ext += ".gz"
	}
	return fmt.Sprintf("%s/%s/%s/yyyy=%04d/mm=%02d/dd=%02d/hh=%02d/%s_%s%s",
		bronzePrefix, symbol, dataType,
		eventTS.Year(), eventTS.Month(), eventTS.Day(), eventTS.Hour(),
		dataType, eventTS.Format("20060102_150405"), ext,
	)
}

// Write adds one record to its (symbol, data_type) buffer after passing
// it through the dedup gate; it does not write immediately unless the
// buffer is now past its size threshold.
func (w *PartitionWriter) Write(ctx context.Context, symbol, dataType string, eventTS time.Time, natural NaturalIDer, record interface{}) error {
	if !w.dedup.IsUnique(symbol, dataType+":"+natural.NaturalID()) {
		return nil // advisory dedup: silently skip, not an error
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("objectstore: marshal record: %w", err)
	}

	key := symbol + "|" + dataType
	w.mu.Lock()
	b, ok := w.buffers[key]
	if !ok {
		b = &buffer{symbol: symbol, dataType: dataType, lastFlush: w.now()}
		w.buffers[key] = b
	}
	b.records = append(b.records, payload)
	full := len(b.records) >= w.cfg.BufferMaxRecords
	w.mu.Unlock()

	if full {
		return w.flushBuffer(ctx, key, eventTS)
	}
	return nil
}

// FlushIdle scans all buffers and flushes any idle past BufferIdleTimeout;
// callers run this on a ticker.
func (w *PartitionWriter) FlushIdle(ctx context.Context) {
	now := w.now()
	w.mu.Lock()
	var stale []string
	for key, b := range w.buffers {
		if len(b.records) > 0 && now.Sub(b.lastFlush) >= w.cfg.BufferIdleTimeout {
			stale = append(stale, key)
		}
	}
	w.mu.Unlock()

	for _, key := range stale {
		if err := w.flushBuffer(ctx, key, now); err != nil {
			log.Error().Err(err).Str("buffer", key).Msg("partition writer idle flush failed")
		}
	}
}

func (w *PartitionWriter) flushBuffer(ctx context.Context, key string, eventTS time.Time) error {
	w.mu.Lock()
	b, ok := w.buffers[key]
	if !ok || len(b.records) == 0 {
		w.mu.Unlock()
		return nil
	}
	records := b.records
	b.records = nil
	b.lastFlush = w.now()
	symbol, dataType := b.symbol, b.dataType
	w.mu.Unlock()

	return w.writeObject(ctx, symbol, dataType, eventTS, records)
}

func (w *PartitionWriter) writeObject(ctx context.Context, symbol, dataType string, eventTS time.Time, records [][]byte) error {
	if len(records) == 0 {
		return nil // zero-record objects are never written
	}

	var body bytes.Buffer
	for _, r := range records {
		body.Write(r)
		body.WriteByte('\n')
	}

	payload := body.Bytes()
	encoding := ""
	if w.cfg.Compression {
		var gz bytes.Buffer
		gw := gzip.NewWriter(&gz)
		if _, err := gw.Write(payload); err != nil {
			return fmt.Errorf("objectstore: gzip: %w", err)
		}
		if err := gw.Close(); err != nil {
			return fmt.Errorf("objectstore: gzip close: %w", err)
		}
		payload = gz.Bytes()
		encoding = "gzip"
	}

	key := Key(w.cfg.BronzePrefix, symbol, dataType, eventTS, w.cfg.Compression)
	in := PutObjectInput{
		Bucket:          w.bucket,
		Key:             key,
		Body:            payload,
		ContentType:     "application/x-jsonlines",
		ContentEncoding: encoding,
		Metadata: map[string]string{
			"record_count":     fmt.Sprintf("%d", len(records)),
			"ingest_timestamp": w.now().UTC().Format(time.RFC3339),
			"compression":      fmt.Sprintf("%v", w.cfg.Compression),
		},
	}

	return w.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return w.store.PutObject(ctx, in)
	})
}
