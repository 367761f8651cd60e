package action

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retrier actions have Reduce retried with exponential backoff when it fails.
// Before is not retried. Zero fields in the returned policy fall back to the
// store defaults.
type Retrier interface {
	RetryPolicy() RetryPolicy
}

// RetryPolicy controls Reduce retries. MaxRetries counts retries after the
// first attempt; a negative value retries until the context ends.
type RetryPolicy struct {
	MaxRetries   int           `json:"max_retries,omitempty" toml:"max_retries" env:"MAX_RETRIES"`
	InitialDelay time.Duration `json:"initial_delay,omitempty" toml:"initial_delay" env:"INITIAL_DELAY"`
	Multiplier   float64       `json:"multiplier,omitempty" toml:"multiplier" env:"MULTIPLIER"`
	MaxDelay     time.Duration `json:"max_delay,omitempty" toml:"max_delay" env:"MAX_DELAY"`
}

// DefaultRetryPolicy returns 3 retries starting at 350ms, doubling up to 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 350 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Second,
	}
}

// Merge applies non-zero values from source into p.
func (p *RetryPolicy) Merge(source *RetryPolicy) {
	if source.MaxRetries != 0 {
		p.MaxRetries = source.MaxRetries
	}
	if source.InitialDelay > 0 {
		p.InitialDelay = source.InitialDelay
	}
	if source.Multiplier > 0 {
		p.Multiplier = source.Multiplier
	}
	if source.MaxDelay > 0 {
		p.MaxDelay = source.MaxDelay
	}
}

func (p RetryPolicy) allows(attempt int) bool {
	return p.MaxRetries < 0 || attempt <= p.MaxRetries
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0
	b.Reset()
	return b
}
