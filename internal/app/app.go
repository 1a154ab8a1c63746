package app

import (
	"context"
	"fmt"
	"time"

	"sissync/internal/checkpoint"
	"sissync/internal/classify"
	"sissync/internal/config"
	"sissync/internal/metrics"
	"sissync/internal/ratelimit"
	"sissync/internal/retry"
	"sissync/internal/sis"
	"sissync/internal/store"
	"sissync/internal/transform"

	"go.uber.org/zap"
)

// Syncer represents the main sync application
type Syncer struct {
	cfg         *config.Config
	logger      *zap.Logger
	source      sis.Source
	store       *store.Store
	ckpt        checkpoint.Store
	metrics     *metrics.Collector
	classifier  *classify.Classifier
	retryPolicy *retry.Policy
	transformer *transform.Transformer
}

// New creates a new syncer instance
func New(cfg *config.Config, logger *zap.Logger) (*Syncer, error) {
	attendanceStore, err := store.New(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to open attendance store: %w", err)
	}

	checkpointStore, err := checkpoint.NewSQLiteStore(cfg.Checkpoint)
	if err != nil {
		attendanceStore.Close()
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	classifier := classify.New(logger)
	retryPolicy := retry.New(retry.Config{
		MaxAttempts: cfg.Sync.Retries,
		BaseBackoff: time.Duration(cfg.Sync.RetryBackoffMs) * time.Millisecond,
		MaxBackoff:  time.Duration(cfg.Sync.MaxBackoffMs) * time.Millisecond,
	}, classifier, logger)

	// Dry runs never touch the network, so no client is built for them
	var source sis.Source
	if !cfg.Sync.DryRun {
		limiter := ratelimit.New(cfg.API.RateLimitPerMin, time.Duration(cfg.API.JitterMs)*time.Millisecond)
		client, err := sis.NewClient(sis.Config{
			Endpoint:    cfg.API.Endpoint,
			Token:       cfg.API.Token,
			CallTimeout: time.Duration(cfg.API.CallTimeoutSec) * time.Second,
		}, limiter, logger)
		if err != nil {
			attendanceStore.Close()
			checkpointStore.Close()
			return nil, fmt.Errorf("failed to create sis client: %w", err)
		}
		source = client
	}

	return &Syncer{
		cfg:         cfg,
		logger:      logger,
		source:      source,
		store:       attendanceStore,
		ckpt:        checkpointStore,
		metrics:     metrics.New(),
		classifier:  classifier,
		retryPolicy: retryPolicy,
		transformer: transform.New(attendanceStore, logger),
	}, nil
}

// Run executes the sync operation
func (s *Syncer) Run(ctx context.Context) error {
	if s.cfg.MetricsAddr != "" {
		go func() {
			if err := s.metrics.StartServer(s.cfg.MetricsAddr); err != nil {
				s.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	orch := newOrchestrator(s)
	return orch.Run(ctx)
}

// Close cleans up resources
func (s *Syncer) Close() error {
	if s.ckpt != nil {
		s.ckpt.Close()
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
