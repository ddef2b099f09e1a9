package resilience

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/ragmesh/ragmesh/pkg/observability"
)

// BreakerConfig controls the circuit breaker wrapped around external
// providers (LLM, embedding, rerank).
type BreakerConfig struct {
	// FailureRatio opens the circuit once reached over the request window.
	FailureRatio float64

	// RequestVolume is the minimum requests observed before the ratio is
	// evaluated.
	RequestVolume uint32

	// OpenDuration is how long the circuit stays open before probing.
	OpenDuration time.Duration

	// HalfOpenSuccesses is the number of consecutive successes required
	// to close again.
	HalfOpenSuccesses uint32
}

// DefaultBreakerConfig matches the provider contract: open at 50 %
// failures over 4 requests, stay open 10 s, close after 2 successes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureRatio:      0.5,
		RequestVolume:     4,
		OpenDuration:      10 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// NewBreaker builds a circuit breaker for the named provider. State
// transitions are logged.
func NewBreaker(name string, cfg BreakerConfig, logger observability.Logger) *gobreaker.CircuitBreaker {
	if cfg.FailureRatio <= 0 {
		cfg = DefaultBreakerConfig()
	}
	log := logger.WithPrefix("breaker")

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenSuccesses,
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.RequestVolume {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", map[string]interface{}{
				"provider": name,
				"from":     from.String(),
				"to":       to.String(),
			})
		},
	})
}
