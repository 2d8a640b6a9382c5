package task

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ffbatch/config"
)

// RetryPolicy decides whether a failed attempt is re-enqueued and after how
// long. Timeouts never reach it.
type RetryPolicy struct {
	Enabled     bool
	Delay       time.Duration
	Exponential bool
	MaxDelay    time.Duration
}

func NewRetryPolicy(cfg *config.Config) *RetryPolicy {
	return &RetryPolicy{
		Enabled:     cfg.RetryEnabled,
		Delay:       cfg.RetryDelay,
		Exponential: cfg.RetryBackoff == config.BackoffExponential,
		MaxDelay:    cfg.RetryMaxDelay,
	}
}

// ShouldRetry reports whether t has attempts left.
func (p *RetryPolicy) ShouldRetry(t *Task) bool {
	return p.Enabled && t.RetryCount < t.MaxRetries
}

// NextDelay is the wait before the retry that follows t's current attempt.
func (p *RetryPolicy) NextDelay(t *Task) time.Duration {
	var b backoff.BackOff = backoff.NewConstantBackOff(p.Delay)
	if p.Exponential {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Delay
		eb.RandomizationFactor = 0
		eb.Multiplier = 2
		eb.MaxElapsedTime = 0
		// Zero RETRY_MAX_DELAY means uncapped, not the library's 60s default.
		eb.MaxInterval = time.Duration(math.MaxInt64)
		if p.MaxDelay > 0 {
			eb.MaxInterval = p.MaxDelay
		}
		eb.Reset()
		b = eb
	}

	d := b.NextBackOff()
	for i := 0; i < t.RetryCount; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop {
		return p.Delay
	}
	return d
}
