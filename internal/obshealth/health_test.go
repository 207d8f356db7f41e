package obshealth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAggregateHealthyWhenAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("rate_limiter", CheckerFunc(func(ctx context.Context) Health {
		return Health{Status: StatusHealthy}
	}))
	r.Register("dedup", CheckerFunc(func(ctx context.Context) Health {
		return Health{Status: StatusHealthy}
	}))

	agg := r.Check(context.Background())
	if agg.Status != StatusHealthy {
		t.Fatalf("Status = %v, want healthy", agg.Status)
	}
}

func TestAggregateDegradedWhenOneDegraded(t *testing.T) {
	r := NewRegistry()
	r.Register("a", CheckerFunc(func(ctx context.Context) Health { return Health{Status: StatusHealthy} }))
	r.Register("b", CheckerFunc(func(ctx context.Context) Health {
		return Health{Status: StatusDegraded, Issues: []string{"decode_error_rate above threshold"}}
	}))

	agg := r.Check(context.Background())
	if agg.Status != StatusDegraded {
		t.Fatalf("Status = %v, want degraded", agg.Status)
	}
}

func TestAggregateUnhealthyDominates(t *testing.T) {
	r := NewRegistry()
	r.Register("a", CheckerFunc(func(ctx context.Context) Health { return Health{Status: StatusDegraded} }))
	r.Register("b", CheckerFunc(func(ctx context.Context) Health {
		return Health{Status: StatusUnhealthy, Issues: []string{"circuit breaker open"}}
	}))

	agg := r.Check(context.Background())
	if agg.Status != StatusUnhealthy {
		t.Fatalf("Status = %v, want unhealthy", agg.Status)
	}
}

func TestServerHealthzReturns503WhenUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("x", CheckerFunc(func(ctx context.Context) Health {
		return Health{Status: StatusUnhealthy, Issues: []string{"fatal"}}
	}))
	s := NewServer(r, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rw := httptest.NewRecorder()
	s.Handler().ServeHTTP(rw, req)

	if rw.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rw.Code)
	}
	var agg Aggregate
	if err := json.Unmarshal(rw.Body.Bytes(), &agg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if agg.Status != StatusUnhealthy {
		t.Fatalf("body status = %v", agg.Status)
	}
}

func TestServerHealthzReturns200WhenHealthy(t *testing.T) {
	r := NewRegistry()
	s := NewServer(r, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rw := httptest.NewRecorder()
	s.Handler().ServeHTTP(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rw.Code)
	}
}
