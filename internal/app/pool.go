package app

import (
	"context"
	"sync"

	"sissync/internal/store"

	"go.uber.org/zap"
)

// schoolPool runs a bounded number of school workers. Work within one school
// stays sequential; only whole schools are distributed.
type schoolPool struct {
	size   int
	logger *zap.Logger
}

// Start starts the worker pool
func (p *schoolPool) Start(ctx context.Context, schools <-chan store.School, wg *sync.WaitGroup, process func(context.Context, store.School)) {
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go p.worker(ctx, i, schools, wg, process)
	}
}

func (p *schoolPool) worker(ctx context.Context, id int, schools <-chan store.School, wg *sync.WaitGroup, process func(context.Context, store.School)) {
	defer wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	for {
		select {
		case school, ok := <-schools:
			if !ok {
				logger.Debug("Worker finished - no more schools")
				return
			}

			process(ctx, school)

		case <-ctx.Done():
			logger.Debug("Worker stopped - context cancelled")
			return
		}
	}
}
