package pool

import (
	"math"
	"math/rand"
	"time"

	"github.com/ajitpratap0/txpool/pkg/config"
)

// backoff yields exponentially growing, jittered delays between creation
// attempts. It is not safe for concurrent use; each retry loop owns one.
type backoff struct {
	initial         time.Duration
	max             time.Duration
	multiplier      float64
	randomizeFactor float64
	attempt         int
}

func newBackoff(cfg config.BackoffConfig) *backoff {
	return &backoff{
		initial:         cfg.Initial,
		max:             cfg.Max,
		multiplier:      cfg.Multiplier,
		randomizeFactor: 0.2,
	}
}

// Next returns the delay before the next attempt and advances the schedule
func (b *backoff) Next() time.Duration {
	d := b.delay(b.attempt)
	b.attempt++
	return d
}

// Reset restarts the schedule after a success
func (b *backoff) Reset() { b.attempt = 0 }

func (b *backoff) delay(attempt int) time.Duration {
	// Base delay calculation with exponential backoff
	delay := float64(b.initial) * math.Pow(b.multiplier, float64(attempt))

	if delay > float64(b.max) {
		delay = float64(b.max)
	}

	// Apply randomization factor (jitter)
	if b.randomizeFactor > 0 {
		delta := delay * b.randomizeFactor
		delay = delay - delta + rand.Float64()*2*delta
	}

	return time.Duration(delay)
}

// lifetimeJitter returns how much earlier than maxLifetime an entry expires,
// uniformly within the last 2.5% of the lifetime.
func lifetimeJitter(maxLifetime time.Duration) time.Duration {
	span := int64(maxLifetime / 40)
	if span <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(span))
}
