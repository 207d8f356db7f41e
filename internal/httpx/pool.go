// Package httpx is the shared outbound HTTP client used by C4's REST
// client: a bounded-concurrency pool over a single *http.Client,
// with jittered backoff and retryable-status detection, grounded on the
// teacher's httpclient pool (same semaphore-gated Do, same latency
// stats) generalized to this pipeline's exchange endpoints.
package httpx

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// retryableStatus mirrors the teacher's set: throttling and transient
// server failures are worth a retry, everything else is not.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:    true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

func IsRetryableStatus(code int) bool { return retryableStatus[code] }

// Stats is a snapshot of pool-wide request latency.
type Stats struct {
	Requests   int64
	Errors     int64
	TotalNanos int64
}

func (s Stats) AverageLatency() time.Duration {
	if s.Requests == 0 {
		return 0
	}
	return time.Duration(s.TotalNanos / s.Requests)
}

// Pool bounds outstanding requests to MaxConcurrent via a semaphore
// channel, same as the teacher's pool, and accumulates latency stats.
type Pool struct {
	client *http.Client
	sem    chan struct{}
	mu     sync.Mutex
	stats  Stats
}

type Config struct {
	MaxConcurrent int
	Timeout       time.Duration
}

func NewPool(cfg Config) *Pool {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Pool{
		client: &http.Client{Timeout: cfg.Timeout},
		sem:    make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Do acquires a pool slot, executes req, and records latency/error
// stats. The caller is responsible for closing the returned response
// body.
func (p *Pool) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	start := time.Now()
	resp, err := p.client.Do(req.WithContext(ctx))
	elapsed := time.Since(start)

	p.mu.Lock()
	p.stats.Requests++
	p.stats.TotalNanos += elapsed.Nanoseconds()
	if err != nil || (resp != nil && resp.StatusCode >= 500) {
		p.stats.Errors++
	}
	p.mu.Unlock()

	return resp, err
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// DrainAndClose reads the body to completion (so the connection can be
// reused) and closes it; callers that don't need the body should still
// call this instead of a bare resp.Body.Close().
func DrainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// RetryAfter parses the Retry-After header (seconds form, per §4.4's
// 429 handling) and falls back to def when absent or unparsable.
func RetryAfter(resp *http.Response, def time.Duration) time.Duration {
	if resp == nil {
		return def
	}
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return def
	}
	var seconds int
	if _, err := fmt.Sscanf(h, "%d", &seconds); err != nil || seconds <= 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}

// Jitter applies +/-25% uniform jitter to d, matching the retry/backoff
// jitter bound used across C2's RetryPolicy.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	factor := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * factor)
}
