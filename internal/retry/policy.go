package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"sissync/internal/classify"

	"go.uber.org/zap"
)

// ErrExhausted marks an error whose retries ran out
var ErrExhausted = errors.New("retries exhausted")

// Config contains retry tuning
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Policy retries RECOVERABLE failures with exponential backoff. FATAL
// failures are returned immediately on the first attempt.
type Policy struct {
	cfg        Config
	classifier *classify.Classifier
	logger     *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Policy
func New(cfg Config, classifier *classify.Classifier, logger *zap.Logger) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Policy{
		cfg:        cfg,
		classifier: classifier,
		logger:     logger,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do runs op, retrying RECOVERABLE failures up to MaxAttempts. The returned
// error is always a *classify.ClassifiedError; on exhaustion it wraps
// ErrExhausted around the last failure.
func (p *Policy) Do(ctx context.Context, stage string, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if p.classifier.Classify(err) == classify.Fatal {
			return p.classifier.Wrap(stage, err)
		}

		p.logger.Warn("Attempt failed",
			zap.String("stage", stage),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.cfg.MaxAttempts),
			zap.Error(err),
		)

		if attempt == p.cfg.MaxAttempts {
			break
		}

		select {
		case <-time.After(p.backoff(attempt)):
		case <-ctx.Done():
			return p.classifier.Wrap(stage, ctx.Err())
		}
	}

	exhausted := fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.cfg.MaxAttempts, lastErr)
	return &classify.ClassifiedError{
		Kind:       classify.Recoverable,
		Stage:      stage,
		BatchIndex: -1,
		Err:        exhausted,
		At:         time.Now(),
	}
}

// backoff doubles the base delay each attempt, capped, plus jitter
func (p *Policy) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(p.cfg.BaseBackoff) * math.Pow(2, float64(attempt-1)))
	if delay > p.cfg.MaxBackoff {
		delay = p.cfg.MaxBackoff
	}

	p.mu.Lock()
	jitter := time.Duration(p.rng.Int63n(int64(delay)/4 + 1))
	p.mu.Unlock()

	return delay + jitter
}
