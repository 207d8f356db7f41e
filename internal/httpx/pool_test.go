package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPoolDoRecordsStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPool(Config{MaxConcurrent: 2, Timeout: time.Second})
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := p.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	DrainAndClose(resp)

	stats := p.Stats()
	if stats.Requests != 1 || stats.Errors != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.AverageLatency() <= 0 {
		t.Fatalf("expected positive average latency after one request, got %v", stats.AverageLatency())
	}
}

func TestStatsAverageLatencyIsZeroWithNoRequests(t *testing.T) {
	var s Stats
	if s.AverageLatency() != 0 {
		t.Fatalf("expected zero average latency with no requests, got %v", s.AverageLatency())
	}
}

func TestPoolDoCountsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewPool(Config{})
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := p.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	DrainAndClose(resp)

	if p.Stats().Errors != 1 {
		t.Fatalf("expected 1 error recorded, got %+v", p.Stats())
	}
}

func TestIsRetryableStatus(t *testing.T) {
	if !IsRetryableStatus(http.StatusTooManyRequests) {
		t.Fatal("429 should be retryable")
	}
	if IsRetryableStatus(http.StatusBadRequest) {
		t.Fatal("400 should not be retryable")
	}
}

func TestRetryAfterParsesSeconds(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Retry-After": []string{"5"}}}
	got := RetryAfter(resp, time.Second)
	if got != 5*time.Second {
		t.Fatalf("RetryAfter = %v, want 5s", got)
	}
}

func TestRetryAfterFallsBackWhenAbsent(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	got := RetryAfter(resp, 3*time.Second)
	if got != 3*time.Second {
		t.Fatalf("RetryAfter = %v, want 3s", got)
	}
}

func TestJitterWithinBounds(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		j := Jitter(d)
		if j < 75*time.Millisecond || j > 125*time.Millisecond {
			t.Fatalf("Jitter(%v) = %v out of +/-25%% bounds", d, j)
		}
	}
}
