package utils

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy describes how upstream calls are retried.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// JitterBackOff yields min(max, base * 2^attempt * uniform(0.5, 1.0)).
// It satisfies backoff.BackOff; the attempt counter restarts on Reset.
type JitterBackOff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int

	mu   sync.Mutex
	rand func() float64
}

// NewJitterBackOff builds the policy's delay sequence. rnd may be nil.
func NewJitterBackOff(base, max time.Duration, rnd func() float64) *JitterBackOff {
	if rnd == nil {
		rnd = rand.Float64
	}
	return &JitterBackOff{Base: base, Max: max, rand: rnd}
}

func (b *JitterBackOff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

func (b *JitterBackOff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	factor := 0.5 + b.rand()*0.5
	d := float64(b.Base) * math.Pow(2, float64(b.attempt)) * factor
	b.attempt++
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// NewBackOff returns a retry schedule bounded to MaxRetries retries, i.e.
// MaxRetries+1 attempts in total.
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(NewJitterBackOff(p.BaseDelay, p.MaxDelay, nil), uint64(p.MaxRetries))
}

// MinTotalDelay is the smallest possible sum of waits across all retries.
func (p RetryPolicy) MinTotalDelay() time.Duration {
	var total time.Duration
	for attempt := 0; attempt < p.MaxRetries; attempt++ {
		d := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt)) * 0.5)
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
		total += d
	}
	return total
}

// NewExponentialBackoff is used for long-lived reconnect loops such as the
// history sink's connection.
func NewExponentialBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 5 * time.Minute
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.1
	return b
}
