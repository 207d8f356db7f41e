package circuit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ProductionBreaker wraps sony/gobreaker for components that want a
// battle-tested generation-counted breaker rather than the hand-rolled
// state machine above. Used by C5's streaming client, one instance per
// endpoint, to guard the dial so a dead endpoint fails fast instead of
// being re-dialed on every reconnect attempt.
type ProductionBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewProductionBreaker builds a gobreaker.CircuitBreaker configured from
// the same Config shape the hand-rolled Breaker takes, so callers can
// switch between the two without re-deriving thresholds.
func NewProductionBreaker(name string, cfg Config) *ProductionBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Interval:    0, // never reset counts on a timer; only on state change
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}
	return &ProductionBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Call executes fn under RequestTimeout and through the breaker.
func (p *ProductionBreaker) Call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	_, err := p.cb.Execute(func() (interface{}, error) {
		timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return nil, fn(timeoutCtx)
	})
	return err
}

func (p *ProductionBreaker) State() gobreaker.State {
	return p.cb.State()
}
