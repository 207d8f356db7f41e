// Package ratelimit paces outbound requests with a token bucket per
// provider/host, in the style of the net/ratelimit package this is
// generalized from: a thin wrapper over golang.org/x/time/rate with
// stats and per-key fan-out via a Manager.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config describes one limiter's pacing: rate is tokens per minute, burst
// defaults to rate (the bucket holds one minute's worth) per §4.1.
type Config struct {
	Key   string
	RPM   float64
	Burst int
}

// Limiter wraps x/time/rate.Limiter with the stats surface components
// need to report health and to implement P1 (no more than `rate` tokens
// issued in any 60 s window).
type Limiter struct {
	key     string
	mu      sync.Mutex
	limiter *rate.Limiter
	rpm     float64
	burst   int
}

func NewLimiter(cfg Config) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RPM)
		if burst < 1 {
			burst = 1
		}
	}
	perSec := rate.Limit(cfg.RPM / 60.0)
	return &Limiter{
		key:     cfg.Key,
		limiter: rate.NewLimiter(perSec, burst),
		rpm:     cfg.RPM,
		burst:   burst,
	}
}

// Acquire blocks (cooperatively, via ctx) until a token is available, per
// §4.1's algorithm: refill from elapsed time, decrement if tokens ≥ 1,
// else sleep the deficit. x/time/rate.Wait already implements exactly
// this refill-then-wait discipline.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ratelimit: acquire %s: %w", l.key, err)
	}
	return nil
}

// Allow is a non-blocking probe; it never sleeps and never errors.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// Stats reports the limiter's current configuration and delay estimate.
type Stats struct {
	Key            string
	RPM            float64
	Burst          int
	TokensInFlight float64
	NextDelay      time.Duration
}

func (l *Limiter) Stats() Stats {
	r := l.limiter.Reserve()
	delay := r.Delay()
	r.Cancel()
	return Stats{
		Key:       l.key,
		RPM:       l.rpm,
		Burst:     l.burst,
		NextDelay: delay,
	}
}

func (l *Limiter) SetRPM(rpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rpm = rpm
	l.limiter.SetLimit(rate.Limit(rpm / 60.0))
}

// Manager fans a set of named limiters out, one per provider+host key, so
// C4's callers can each acquire against their own key (cmd/ingestd uses
// one per symbol) without sharing a single global bucket.
type Manager struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	defaults Config
}

func NewManager(defaults Config) *Manager {
	return &Manager{
		limiters: make(map[string]*Limiter),
		defaults: defaults,
	}
}

func (m *Manager) Get(key string) *Limiter {
	m.mu.RLock()
	l, ok := m.limiters[key]
	m.mu.RUnlock()
	if ok {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.limiters[key]; ok {
		return l
	}
	cfg := m.defaults
	cfg.Key = key
	l = NewLimiter(cfg)
	m.limiters[key] = l
	return l
}

func (m *Manager) Acquire(ctx context.Context, key string) error {
	return m.Get(key).Acquire(ctx)
}

func (m *Manager) AllStats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.limiters))
	for k, l := range m.limiters {
		out[k] = l.Stats()
	}
	return out
}
