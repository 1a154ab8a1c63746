package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"sissync/internal/classify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPolicy(maxAttempts int) *Policy {
	return New(Config{
		MaxAttempts: maxAttempts,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}, classify.New(zap.NewNop()), zap.NewNop())
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	p := newTestPolicy(5)

	attempts := 0
	err := p.Do(context.Background(), classify.StageFetch, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoFatalNoRetry(t *testing.T) {
	p := newTestPolicy(5)

	attempts := 0
	fatal := classify.NewFatal(classify.StageFetch, errors.New("invalid credential"))
	err := p.Do(context.Background(), classify.StageFetch, func(ctx context.Context) error {
		attempts++
		return fatal
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, classify.IsFatal(err))
}

func TestDoExhaustsRetries(t *testing.T) {
	p := newTestPolicy(3)

	attempts := 0
	err := p.Do(context.Background(), classify.StageWrite, func(ctx context.Context) error {
		attempts++
		return errors.New("timeout talking to store")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.False(t, classify.IsFatal(err))

	var ce *classify.ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, classify.StageWrite, ce.Stage)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	p := New(Config{
		MaxAttempts: 10,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Second,
	}, classify.New(zap.NewNop()), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, classify.StageFetch, func(ctx context.Context) error {
		attempts++
		return errors.New("timeout")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
