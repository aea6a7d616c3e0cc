package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerOptions configures the circuit breaker around a Provider.
type BreakerOptions struct {
	MaxRequests uint32        // probes allowed while half-open
	Interval    time.Duration // counter reset period while closed
	Timeout     time.Duration // open period before probing
	MinRequests uint32        // requests before the failure ratio applies
	FailureRate float64       // ratio that trips the breaker
}

// Breaker stops calling a failing embedding backend for a while, so bulk
// ingestion fails fast with ErrUnavailable instead of waiting on retries.
type Breaker struct {
	next Provider
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next with a circuit breaker.
func NewBreaker(next Provider, opts BreakerOptions, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRequests == 0 {
		opts.MaxRequests = 1
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MinRequests == 0 {
		opts.MinRequests = 3
	}
	if opts.FailureRate <= 0 {
		opts.FailureRate = 0.6
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedding",
		MaxRequests: opts.MaxRequests,
		Interval:    opts.Interval,
		Timeout:     opts.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= opts.MinRequests && failureRatio >= opts.FailureRate
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Model() string  { return b.next.Model() }
func (b *Breaker) Dimension() int { return b.next.Dimension() }

// Embed calls the wrapped provider unless the breaker is open.
func (b *Breaker) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Embed(ctx, texts)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return res.([][]float32), nil
}

// State returns the breaker state name ("closed", "half-open", "open").
func (b *Breaker) State() string {
	return b.cb.State().String()
}
