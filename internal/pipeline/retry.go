package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ProviderError is a failure reported by a transcription or analysis
// provider. Validation failures (bad input, file too large) are never
// retried; transport failures are.
type ProviderError struct {
	Msg        string
	Validation bool
	cause      error
}

func (e *ProviderError) Error() string { return e.Msg }
func (e *ProviderError) Unwrap() error { return e.cause }

// isRetryable reports whether err is worth another attempt.
func isRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return !pe.Validation
	}
	return true
}

// Policy is the shared retry schedule applied to provider calls.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	Jitter       float64 // fraction of the delay, 0..1

	sleep func(time.Duration)
}

// DefaultPolicy is used for both transcription and analysis calls.
var DefaultPolicy = Policy{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	Multiplier:   2.0,
	Jitter:       0.2,
}

// Do runs fn up to MaxAttempts times. Validation errors and context
// cancellation stop immediately; the last error is returned.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	delay := p.InitialDelay
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) || attempt == p.MaxAttempts {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		d := delay
		if p.Jitter > 0 {
			d += time.Duration(rand.Float64() * p.Jitter * float64(delay))
		}
		sleep(d)
		delay = time.Duration(float64(delay) * p.Multiplier)
	}
	return err
}
