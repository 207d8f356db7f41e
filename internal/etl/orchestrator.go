package etl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/btcdatapipe/pipeline/internal/objectstore"
	"github.com/btcdatapipe/pipeline/internal/obshealth"
	"github.com/btcdatapipe/pipeline/internal/warehouse"
)

// CycleResult summarizes one orchestrator cycle for logging/tests.
type CycleResult struct {
	FilesDiscovered int
	FilesFailed     int
	Inserted        int
	DuplicateSkip   int
	RowsFailed      int
}

// Orchestrator is C9: discover -> read -> transform -> batched insert,
// looping every cycle_interval.
type Orchestrator struct {
	store          objectstore.ObjectStore
	bucket         string
	bronzePrefix   string
	discoverer     *Discoverer
	repo           *warehouse.MarketDataRepo
	batchSize      int
	deriveFeatures bool

	mu        sync.Mutex
	watermark time.Time
	processed map[string]bool

	cyclesRun    int64
	cyclesFailed int64
	now          func() time.Time
}

type Config struct {
	Bucket         string
	BronzePrefix   string
	BatchSize      int
	DeriveFeatures bool
}

func NewOrchestrator(store objectstore.ObjectStore, repo *warehouse.MarketDataRepo, cfg Config) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &Orchestrator{
		store:          store,
		bucket:         cfg.Bucket,
		bronzePrefix:   cfg.BronzePrefix,
		discoverer:     NewDiscoverer(store, cfg.Bucket, cfg.BronzePrefix),
		repo:           repo,
		batchSize:      cfg.BatchSize,
		deriveFeatures: cfg.DeriveFeatures,
		processed:      make(map[string]bool),
		now:            time.Now,
	}
}

// RunCycle executes one full discover/read/transform/write pass.
// A per-file failure is isolated and counted; other files continue
// (§4.9 failure semantics). The watermark only advances to the max
// LastModified actually processed this cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleResult, error) {
	o.mu.Lock()
	watermark := o.watermark
	o.mu.Unlock()

	if err := o.repo.EnsurePartitions(ctx, o.now()); err != nil {
		o.recordCycle(false)
		return CycleResult{}, fmt.Errorf("etl: ensure partitions: %w", err)
	}

	o.mu.Lock()
	processedSnapshot := make(map[string]bool, len(o.processed))
	for k := range o.processed {
		processedSnapshot[k] = true
	}
	o.mu.Unlock()

	files, err := o.discoverer.Discover(ctx, watermark, processedSnapshot)
	if err != nil {
		o.recordCycle(false)
		return CycleResult{}, fmt.Errorf("etl: discover: %w", err)
	}

	result := CycleResult{FilesDiscovered: len(files)}
	if len(files) == 0 {
		o.recordCycle(true)
		return result, nil
	}

	var rows []warehouse.Row
	maxModified := watermark
	processedKeys := make([]string, 0, len(files))

	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		batchResult, err := o.repo.InsertBatch(ctx, rows)
		if err != nil {
			return err
		}
		result.Inserted += batchResult.Inserted
		result.DuplicateSkip += batchResult.DuplicateSkip
		result.RowsFailed += batchResult.Failed
		rows = rows[:0]
		return nil
	}

	for _, file := range files {
		lines, err := ReadLines(ctx, o.store, file)
		if err != nil {
			result.FilesFailed++
			log.Warn().Err(err).Str("key", file.Key).Msg("etl: failed to read file, isolating and continuing")
			continue
		}
		for _, line := range lines {
			row, err := TransformRow(file.DataType, line, o.deriveFeatures)
			if err != nil {
				result.RowsFailed++
				continue
			}
			rows = append(rows, row)
			if len(rows) >= o.batchSize {
				if err := flush(); err != nil {
					o.recordCycle(false)
					return result, fmt.Errorf("etl: insert batch: %w", err)
				}
			}
		}
		if file.LastModified.After(maxModified) {
			maxModified = file.LastModified
		}
		processedKeys = append(processedKeys, file.Key)
	}

	if err := flush(); err != nil {
		o.recordCycle(false)
		return result, fmt.Errorf("etl: final insert batch: %w", err)
	}

	o.mu.Lock()
	if maxModified.After(o.watermark) {
		o.watermark = maxModified
	}
	for _, key := range processedKeys {
		o.processed[key] = true
	}
	o.mu.Unlock()

	o.recordCycle(true)
	return result, nil
}

// Run loops RunCycle every interval until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := o.RunCycle(ctx); err != nil {
				log.Error().Err(err).Msg("etl: cycle failed, retrying next interval")
			}
		}
	}
}

func (o *Orchestrator) recordCycle(ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cyclesRun++
	if !ok {
		o.cyclesFailed++
	}
}

// HealthCheck implements obshealth.Checker.
func (o *Orchestrator) HealthCheck(ctx context.Context) obshealth.Health {
	o.mu.Lock()
	run, failed := o.cyclesRun, o.cyclesFailed
	o.mu.Unlock()

	status := obshealth.StatusHealthy
	var issues []string
	if run > 0 && failed == run {
		status = obshealth.StatusUnhealthy
		issues = append(issues, "all cycles have failed")
	} else if failed > 0 {
		status = obshealth.StatusDegraded
		issues = append(issues, "at least one cycle has failed")
	}
	return obshealth.Health{
		Status: status,
		Issues: issues,
		Stats: map[string]interface{}{
			"cycles_run":    run,
			"cycles_failed": failed,
		},
	}
}
