// Package resilience decides how a follower re-establishes its session to the
// leader after the session fails.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
)

// ReconnectStrategy maps a consecutive failure count to the delay before the
// next attempt. attempt starts at 1 and resets once a session is established.
// Returning false gives up on the link.
type ReconnectStrategy interface {
	Next(attempt int) (time.Duration, bool)
}

// ExponentialBackoff grows the delay by Multiplier per attempt, capped at
// MaxDelay. MaxAttempts of 0 retries forever.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter spreads each delay uniformly over [0.8, 1.2) of its value.
	Jitter      bool
	MaxAttempts int
}

func DefaultExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   1.5,
		Jitter:       true,
		MaxAttempts:  0,
	}
}

func (b *ExponentialBackoff) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if b.MaxAttempts > 0 && attempt > b.MaxAttempts {
		return 0, false
	}

	delay := b.delay(attempt)
	if b.Jitter {
		delay = time.Duration(float64(delay) * (0.8 + 0.4*rand.Float64()))
	}
	return delay, true
}

func (b *ExponentialBackoff) delay(attempt int) time.Duration {
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(b.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	return time.Duration(delay)
}

// ConstantBackoff waits the same Delay before every attempt.
type ConstantBackoff struct {
	Delay       time.Duration
	MaxAttempts int
}

func (b ConstantBackoff) Next(attempt int) (time.Duration, bool) {
	if b.MaxAttempts > 0 && attempt > b.MaxAttempts {
		return 0, false
	}
	return b.Delay, true
}

// NoReconnect gives up after the first failure.
type NoReconnect struct{}

func (NoReconnect) Next(int) (time.Duration, bool) {
	return 0, false
}

// Sleep waits for d on clock. It returns ctx.Err() if ctx ends first.
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
