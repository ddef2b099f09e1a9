package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ragmesh/ragmesh/pkg/observability"
)

// RetryConfig controls the retry schedule. The delay before attempt n
// (0-based retry count) is min(InitialDelay * Multiplier^n, MaxDelay)
// plus a uniform random jitter in [0, Jitter).
type RetryConfig struct {
	// MaxAttempts caps total attempts, first try included.
	MaxAttempts int

	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration

	// Multiplier is applied to the delay after each retry.
	Multiplier float64

	// Jitter is the upper bound of the uniform random addition.
	Jitter time.Duration

	// MaxDelay caps a single delay before jitter.
	MaxDelay time.Duration

	// MaxDuration is a hard cap on total elapsed time; when exceeded the
	// last error is returned without further attempts.
	MaxDuration time.Duration

	// RetryOn decides whether an error is worth retrying. Defaults to
	// IsTransient.
	RetryOn func(error) bool

	// AbortOn marks an error permanent regardless of RetryOn.
	AbortOn func(error) bool
}

// DefaultRetryConfig returns the standard schedule: 3 attempts, 500 ms
// initial delay, doubling, 100 ms jitter, 30 s total budget.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		MaxDuration:  30 * time.Second,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.Multiplier <= 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = d.MaxDuration
	}
	if c.RetryOn == nil {
		c.RetryOn = IsTransient
	}
	return c
}

// delay computes the pre-jitter delay for the given 0-based retry count.
func (c RetryConfig) delay(retry int) time.Duration {
	d := time.Duration(float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(retry)))
	if d > c.MaxDelay || d <= 0 {
		d = c.MaxDelay
	}
	if c.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(c.Jitter)))
	}
	return d
}

// Retryer wraps operations with the retry schedule and emits retry events.
type Retryer struct {
	config  RetryConfig
	logger  observability.Logger
	emitter observability.EventEmitter
}

// NewRetryer creates a Retryer.
func NewRetryer(config RetryConfig, logger observability.Logger, emitter observability.EventEmitter) *Retryer {
	return &Retryer{
		config:  config.withDefaults(),
		logger:  logger.WithPrefix("retry"),
		emitter: emitter,
	}
}

// Do runs fn under the retry schedule. The operation name is carried on
// every emitted event. The original cause is preserved through wrapping.
func (r *Retryer) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	cfg := r.config
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				r.emitter.Emit(ctx, observability.EventRetrySuccess, map[string]interface{}{
					"operation": operation,
					"attempt":   attempt,
				})
			}
			return nil
		}
		lastErr = err

		if cfg.AbortOn != nil && cfg.AbortOn(err) {
			return fmt.Errorf("%s: permanent failure: %w", operation, err)
		}
		if !cfg.RetryOn(err) {
			return fmt.Errorf("%s: %w", operation, err)
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if time.Since(start) > cfg.MaxDuration {
			break
		}

		delay := cfg.delay(attempt - 1)
		// the sleep itself counts against MaxDuration
		if remaining := cfg.MaxDuration - time.Since(start); delay > remaining {
			delay = remaining
		}
		r.emitter.Emit(ctx, observability.EventRetryAttempt, map[string]interface{}{
			"operation": operation,
			"attempt":   attempt,
			"delay_ms":  delay.Milliseconds(),
			"error":     err.Error(),
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w (last error: %v)", operation, ctx.Err(), err)
		}
	}

	r.emitter.Emit(ctx, observability.EventRetryExhausted, map[string]interface{}{
		"operation": operation,
		"attempts":  cfg.MaxAttempts,
		"error":     lastErr.Error(),
	})
	return fmt.Errorf("%s: retries exhausted after %d attempts: %w", operation, cfg.MaxAttempts, lastErr)
}

// DoValue runs fn under the retry schedule and returns its value.
func DoValue[T any](ctx context.Context, r *Retryer, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, operation, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
