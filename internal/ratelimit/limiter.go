package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter throttles outbound SIS calls to a configured calls-per-minute
// budget, with a small random jitter so parallel school workers do not
// synchronize their request times. Exceeding the budget only delays the
// caller, it never fails it; Acquire returns an error only when the
// context is cancelled while waiting.
type Limiter struct {
	limiter   *rate.Limiter
	maxJitter time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Limiter allowing callsPerMinute calls, each delayed by up to
// maxJitter of additional random wait
func New(callsPerMinute int, maxJitter time.Duration) *Limiter {
	if callsPerMinute <= 0 {
		callsPerMinute = 1
	}
	return &Limiter{
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(callsPerMinute)), 1),
		maxJitter: maxJitter,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Acquire blocks until the caller may issue the next call
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}

	if l.maxJitter <= 0 {
		return nil
	}

	l.mu.Lock()
	jitter := time.Duration(l.rng.Int63n(int64(l.maxJitter)))
	l.mu.Unlock()

	select {
	case <-time.After(jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
