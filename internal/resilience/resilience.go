// Package resilience wraps Agent Invoker calls with exponential backoff and
// a per-engine-type circuit breaker, grounded on the teacher's
// internal/orchestrator/resilience.go. This layer protects engine-type
// availability across tasks (a flapping `codex` binary trips its own
// breaker without affecting `claude` invocations); it sits underneath, and
// is distinct from, the Task Supervisor's own max-retries policy which
// governs one task's attempts (spec.md §7).
package resilience

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/orchestrator/internal/engine"
)

// RetryConfig configures the exponential backoff applied to engine spawn
// failures (not to task-level retry, which the Supervisor owns).
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns sane defaults for spawn-level retry.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerRegistry manages one circuit breaker per engine type.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry() *BreakerRegistry {
	return &BreakerRegistry{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

// Get returns the circuit breaker for engineType, creating it on first use.
func (r *BreakerRegistry) Get(engineType string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[engineType]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        engineType,
		MaxRequests: 3,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("resilience: circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	r.breakers[engineType] = cb
	return cb
}

// InvokeWithBreaker spawns one engine invocation through engineType's
// circuit breaker, retrying the spawn itself with exponential backoff if
// it fails before a StreamHandle is even obtained (e.g. the engine binary
// is transiently unavailable). Once a StreamHandle is returned, resilience
// steps aside: streaming and exit classification are the caller's job.
func InvokeWithBreaker(ctx context.Context, eng engine.Engine, p engine.InvokeParams, cb *gobreaker.CircuitBreaker, cfg RetryConfig) (*engine.StreamHandle, error) {
	var handle *engine.StreamHandle

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return eng.Invoke(ctx, p)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		handle = result.(*engine.StreamHandle)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.MaxElapsedTime = cfg.MaxElapsedTime
	policy.Multiplier = cfg.Multiplier
	policy.RandomizationFactor = cfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return handle, err
}
