// Package circuit implements the retry-with-backoff and three-state
// circuit-breaker cross-cutting concern (C2): a hand-rolled breaker per
// failure domain (one per stream for C6), a gobreaker-backed
// ProductionBreaker (one per endpoint for C5), plus a jittered
// exponential retry policy layered in front of them.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrCircuitOpen    = errors.New("circuit breaker is open")
	ErrRequestTimeout = errors.New("request timeout")
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config mirrors §4.2: failure threshold to trip, success threshold to
// close from half-open, recovery timeout before a probe is allowed, and a
// per-call request timeout.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	RequestTimeout   time.Duration
}

// Breaker is a CLOSED/OPEN/HALF_OPEN state machine, one per failure
// domain. Safe for concurrent use.
type Breaker struct {
	mu              sync.RWMutex
	config          Config
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
	lastStateChange time.Time
	totalRequests   int64
	totalSuccesses  int64
	totalFailures   int64
	totalTimeouts   int64
	onStateChange   func(from, to State)
}

func NewBreaker(config Config) *Breaker {
	return &Breaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// OnStateChange registers a hook fired whenever the breaker transitions,
// used to feed the obshealth/metrics registry.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Call runs fn if the breaker allows it; P3 guarantees that once tripped,
// no underlying call happens until the recovery timeout elapses.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allowRequest() {
		return ErrCircuitOpen
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, b.config.RequestTimeout)
	defer cancel()

	b.mu.Lock()
	b.totalRequests++
	b.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- fn(timeoutCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			b.onFailure()
			return err
		}
		b.onSuccess()
		return nil
	case <-timeoutCtx.Done():
		b.onTimeout()
		return ErrRequestTimeout
	}
}

func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.lastFailureTime) > b.config.Timeout {
			b.setState(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.setState(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
		b.successes = 0
	}
}

func (b *Breaker) onTimeout() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalTimeouts++
	b.totalFailures++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
		b.successes = 0
	}
}

func (b *Breaker) setState(state State) {
	if b.state != state {
		from := b.state
		b.state = state
		b.lastStateChange = time.Now()
		if state == StateHalfOpen {
			b.failures = 0
		}
		if b.onStateChange != nil {
			go b.onStateChange(from, state)
		}
	}
}

func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

type Stats struct {
	State                State     `json:"state"`
	TotalRequests        int64     `json:"total_requests"`
	TotalSuccesses       int64     `json:"total_successes"`
	TotalFailures        int64     `json:"total_failures"`
	TotalTimeouts        int64     `json:"total_timeouts"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastStateChange      time.Time `json:"last_state_change"`
	LastFailureTime      time.Time `json:"last_failure_time,omitempty"`
	SuccessRate          float64   `json:"success_rate"`
	TimeoutRate          float64   `json:"timeout_rate"`
}

func (s *Stats) IsHealthy() bool {
	return s.State == StateClosed && (s.TotalRequests == 0 || s.SuccessRate >= 0.9)
}

func (b *Breaker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var successRate, timeoutRate float64
	if b.totalRequests > 0 {
		successRate = float64(b.totalSuccesses) / float64(b.totalRequests)
		timeoutRate = float64(b.totalTimeouts) / float64(b.totalRequests)
	}

	return Stats{
		State:                b.state,
		TotalRequests:        b.totalRequests,
		TotalSuccesses:       b.totalSuccesses,
		TotalFailures:        b.totalFailures,
		TotalTimeouts:        b.totalTimeouts,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		LastStateChange:      b.lastStateChange,
		LastFailureTime:      b.lastFailureTime,
		SuccessRate:          successRate,
		TimeoutRate:          timeoutRate,
	}
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.totalRequests = 0
	b.totalSuccesses = 0
	b.totalFailures = 0
	b.totalTimeouts = 0
	b.lastStateChange = time.Now()
	b.lastFailureTime = time.Time{}
}

func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateOpen)
	b.lastFailureTime = time.Now()
}

// Manager owns one Breaker per failure domain (per-stream for C6),
// matching §4.2's "breakers are per failure domain."
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
}

func NewManager(defaults Config) *Manager {
	return &Manager{breakers: make(map[string]*Breaker), defaults: defaults}
}

func (m *Manager) GetOrCreate(domain string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[domain]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[domain]; ok {
		return b
	}
	b = NewBreaker(m.defaults)
	b.OnStateChange(func(from, to State) {
		log.Warn().Str("domain", domain).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
	})
	m.breakers[domain] = b
	return b
}

func (m *Manager) Call(ctx context.Context, domain string, fn func(ctx context.Context) error) error {
	return m.GetOrCreate(domain).Call(ctx, fn)
}

func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.breakers))
	for domain, b := range m.breakers {
		out[domain] = b.Stats()
	}
	return out
}

func (m *Manager) GetUnhealthyDomains() []string {
	var unhealthy []string
	for domain, s := range m.Stats() {
		if !s.IsHealthy() {
			unhealthy = append(unhealthy, fmt.Sprintf("%s (state: %s, success: %.1f%%)", domain, s.State, s.SuccessRate*100))
		}
	}
	return unhealthy
}

// RetryPolicy implements §4.2's retry schedule: d_i = min(max_delay,
// initial * multiplier^i), perturbed by uniform ±25% jitter (P2).
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      bool
}

// Delay returns the backoff before attempt i+1 (0-indexed: Delay(0) is the
// wait after the first failure).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.Initial) * pow(p.Multiplier, attempt)
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		// uniform in [0.75, 1.25] of d, matching P2's bounds exactly.
		factor := 0.75 + rand.Float64()*0.5
		d *= factor
	}
	return time.Duration(d)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// Do retries fn up to MaxAttempts, sleeping Delay(i) between attempts,
// and returns the last error once attempts are exhausted.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.Delay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := fn(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("retry: exhausted %d attempts: %w", p.MaxAttempts, lastErr)
}
