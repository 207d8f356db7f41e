// Package dedup implements C3: an advisory, time-windowed uniqueness
// check with per-symbol LRU trimming, in the style of the TTL cache's
// map-plus-periodic-cleanup-goroutine shape, adapted from expiring
// cache entries to a sliding-window record-seen table.
package dedup

import (
	"sync"
	"time"
)

type entry struct {
	recordID  string
	firstSeen time.Time
}

// symbolState holds one symbol's seen-set and its FIFO queue for LRU
// eviction, mirroring §4.3's "map from record_id -> first_seen_wall_ts;
// parallel ordered queue... for LRU eviction."
type symbolState struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	queue   []entry
	maxSize int
}

func newSymbolState(maxSize int) *symbolState {
	return &symbolState{seen: make(map[string]time.Time), maxSize: maxSize}
}

// Config parameterizes the deduplicator per §4.3.
type Config struct {
	WindowSeconds       int
	MaxRecordsPerSymbol int
	CleanupInterval     time.Duration
}

// Deduplicator guards double-writes at C7's natural-id dedup point
// (PartitionWriter). It is advisory only (§9: the authoritative guards are
// checkpoints, the relational unique index, and hot-store TTL
// replacement) — a miss at restart is tolerated.
type Deduplicator struct {
	cfg     Config
	mu      sync.RWMutex
	symbols map[string]*symbolState
	stopCh  chan struct{}
	now     func() time.Time
}

func New(cfg Config) *Deduplicator {
	d := &Deduplicator{
		cfg:     cfg,
		symbols: make(map[string]*symbolState),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go d.sweepLoop()
	return d
}

func (d *Deduplicator) stateFor(symbol string) *symbolState {
	d.mu.RLock()
	s, ok := d.symbols[symbol]
	d.mu.RUnlock()
	if ok {
		return s
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.symbols[symbol]; ok {
		return s
	}
	s = newSymbolState(d.cfg.MaxRecordsPerSymbol)
	d.symbols[symbol] = s
	return s
}

// IsUnique implements §4.3's three-way branch. It returns true the first
// time a (symbol, recordID) pair is seen, and again once the window has
// elapsed since it was first seen (P4: unique at most once per window).
func (d *Deduplicator) IsUnique(symbol, recordID string) bool {
	s := d.stateFor(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := d.now()
	window := time.Duration(d.cfg.WindowSeconds) * time.Second

	firstSeen, exists := s.seen[recordID]
	if exists {
		if now.Sub(firstSeen) < window {
			return false // duplicate
		}
		// outside window: refresh and re-queue, still unique.
		s.seen[recordID] = now
		s.queue = append(s.queue, entry{recordID: recordID, firstSeen: now})
		d.trimLocked(s)
		return true
	}

	s.seen[recordID] = now
	s.queue = append(s.queue, entry{recordID: recordID, firstSeen: now})
	d.trimLocked(s)
	return true
}

// trimLocked enforces the per-symbol cap, popping from the queue front
// until within bound — boundary case: at exactly max+1, the oldest entry
// is evicted and the newest retained.
func (d *Deduplicator) trimLocked(s *symbolState) {
	for len(s.queue) > s.maxSize {
		oldest := s.queue[0]
		s.queue = s.queue[1:]
		// A refreshed id leaves an older queue entry behind; only the
		// entry matching the current firstSeen removes it from seen.
		if s.seen[oldest.recordID].Equal(oldest.firstSeen) {
			delete(s.seen, oldest.recordID)
		}
	}
}

func (d *Deduplicator) sweepLoop() {
	interval := d.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

// sweep drops entries older than the window across all symbols,
// independent of the per-symbol cap.
func (d *Deduplicator) sweep() {
	window := time.Duration(d.cfg.WindowSeconds) * time.Second
	now := d.now()

	d.mu.RLock()
	symbols := make([]*symbolState, 0, len(d.symbols))
	for _, s := range d.symbols {
		symbols = append(symbols, s)
	}
	d.mu.RUnlock()

	for _, s := range symbols {
		s.mu.Lock()
		kept := s.queue[:0]
		for _, e := range s.queue {
			if now.Sub(e.firstSeen) < window {
				kept = append(kept, e)
			} else if s.seen[e.recordID].Equal(e.firstSeen) {
				delete(s.seen, e.recordID)
			}
		}
		s.queue = kept
		s.mu.Unlock()
	}
}

// Stop halts the background sweep goroutine.
func (d *Deduplicator) Stop() {
	close(d.stopCh)
}

// Size reports the number of tracked record IDs for a symbol, mainly for
// tests and health stats.
func (d *Deduplicator) Size(symbol string) int {
	s := d.stateFor(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
