package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"sissync/internal/checkpoint"
	"sissync/internal/chunk"
	"sissync/internal/classify"
	"sissync/internal/config"
	"sissync/internal/metrics"
	"sissync/internal/retry"
	"sissync/internal/sis"
	"sissync/internal/store"
	"sissync/internal/transform"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrCancelled is returned when the operation is stopped by an external
// cancellation signal rather than a fatal error
var ErrCancelled = errors.New("sync cancelled")

// attendanceSink is the slice of the local store the orchestrator needs:
// the school catalog and the batch upsert. A batch-level error from
// WriteBatch goes through the same classify/retry path as a remote call.
type attendanceSink interface {
	Schools(ctx context.Context) ([]store.School, error)
	WriteBatch(ctx context.Context, records []*transform.AttendanceRecord) (store.BatchResult, error)
}

// operation is one end-to-end sync run, owned exclusively by the
// orchestrator
type operation struct {
	ID        string
	StartDate time.Time
	EndDate   time.Time
	BatchSize int
	ChunkDays int
	Schools   []store.School
	StartedAt time.Time
}

// orchestrator drives one sync operation through
// INITIALIZING -> RUNNING -> {COMPLETED | ABORTED}
type orchestrator struct {
	cfg         *config.Config
	logger      *zap.Logger
	source      sis.Source
	store       attendanceSink
	ckpt        checkpoint.Store
	metrics     *metrics.Collector
	classifier  *classify.Classifier
	retryPolicy *retry.Policy
	transformer *transform.Transformer

	op          *operation
	resumeIndex int64

	// Global batch index allocation is centralized here; workers never
	// assign indices independently
	indexMu       sync.Mutex
	nextIndex     int64
	lastCompleted int64

	countersMu      sync.Mutex
	counters        checkpoint.Counters
	sinceCheckpoint int

	errsMu sync.Mutex
	errs   []*classify.ClassifiedError

	fatalMu   sync.Mutex
	fatalErr  *classify.ClassifiedError
	cancelRun context.CancelFunc
}

func newOrchestrator(s *Syncer) *orchestrator {
	return &orchestrator{
		cfg:           s.cfg,
		logger:        s.logger,
		source:        s.source,
		store:         s.store,
		ckpt:          s.ckpt,
		metrics:       s.metrics,
		classifier:    s.classifier,
		retryPolicy:   s.retryPolicy,
		transformer:   s.transformer,
		resumeIndex:   -1,
		lastCompleted: -1,
	}
}

// Run executes the operation to a terminal state. The returned error is nil
// on COMPLETED, ErrCancelled on external cancellation and the fatal cause on
// abort.
func (o *orchestrator) Run(ctx context.Context) error {
	// INITIALIZING: validate, resolve schools, load checkpoint. All
	// failures here are configuration errors and fail fast, before any
	// remote call.
	if err := o.initialize(ctx); err != nil {
		return err
	}

	chunks, err := chunk.Plan(o.op.StartDate, o.op.EndDate, o.op.ChunkDays)
	if err != nil {
		return fmt.Errorf("invalid date range: %w", err)
	}

	if o.cfg.Sync.DryRun {
		o.logPlan(chunks)
		return nil
	}

	o.logger.Info("Starting sync",
		zap.String("operation_id", o.op.ID),
		zap.String("range", fmt.Sprintf("%s..%s", o.op.StartDate.Format("2006-01-02"), o.op.EndDate.Format("2006-01-02"))),
		zap.Int("schools", len(o.op.Schools)),
		zap.Int("chunks", len(chunks)),
		zap.Int("batch_size", o.op.BatchSize),
		zap.Int64("resume_index", o.resumeIndex),
	)

	// Persist the running checkpoint up front so the operation id is
	// discoverable even if the process dies before the first batch
	o.saveCheckpoint(context.Background(), checkpoint.StatusRunning)

	// RUNNING
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.cancelRun = cancel

	schoolCh := make(chan store.School, len(o.op.Schools))
	for _, school := range o.op.Schools {
		schoolCh <- school
	}
	close(schoolCh)

	var wg sync.WaitGroup
	pool := &schoolPool{size: o.cfg.Sync.Workers, logger: o.logger}
	pool.Start(runCtx, schoolCh, &wg, func(ctx context.Context, school store.School) {
		o.processSchool(ctx, school, chunks)
	})

	go o.logProgress(runCtx)
	wg.Wait()

	// Terminal transition
	return o.finalize(ctx)
}

func (o *orchestrator) initialize(ctx context.Context) error {
	opID := o.cfg.Sync.OperationID
	if opID == "" {
		opID = uuid.NewString()
	}

	schools, err := o.resolveSchools(ctx)
	if err != nil {
		return err
	}

	o.op = &operation{
		ID:        opID,
		StartDate: o.cfg.Sync.StartDate,
		EndDate:   o.cfg.Sync.EndDate,
		BatchSize: o.cfg.Sync.BatchSize,
		ChunkDays: o.cfg.Sync.ChunkDays,
		Schools:   schools,
		StartedAt: time.Now(),
	}

	if !o.cfg.Sync.Resume {
		return nil
	}

	cp, err := o.ckpt.Load(opID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp == nil {
		o.logger.Info("No checkpoint found, starting from batch 0",
			zap.String("operation_id", opID))
		return nil
	}
	if cp.Status == checkpoint.StatusCompleted {
		return fmt.Errorf("operation %s already completed", opID)
	}

	// The resume contract only holds when the chunking and batch geometry
	// are identical, so the checkpoint's values win over the config
	if cp.BatchSize != o.op.BatchSize || cp.ChunkDays != o.op.ChunkDays ||
		!cp.StartDate.Equal(o.op.StartDate) || !cp.EndDate.Equal(o.op.EndDate) {
		o.logger.Warn("Checkpoint geometry differs from configuration, using checkpoint values",
			zap.Int("batch_size", cp.BatchSize),
			zap.Int("chunk_days", cp.ChunkDays),
		)
	}
	o.op.StartDate = cp.StartDate
	o.op.EndDate = cp.EndDate
	o.op.BatchSize = cp.BatchSize
	o.op.ChunkDays = cp.ChunkDays
	o.op.StartedAt = cp.StartedAt
	o.resumeIndex = cp.LastBatchIndex
	o.lastCompleted = cp.LastBatchIndex
	o.counters = cp.Counters

	o.logger.Info("Resuming from checkpoint",
		zap.String("operation_id", opID),
		zap.Int64("last_batch_index", cp.LastBatchIndex),
		zap.Int64("batches_completed", cp.Counters.BatchesCompleted),
	)
	return nil
}

func (o *orchestrator) resolveSchools(ctx context.Context) ([]store.School, error) {
	schools, err := o.store.Schools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve schools: %w", err)
	}

	filter := o.cfg.Sync.Schools
	if len(filter) == 0 {
		return schools, nil
	}

	byID := make(map[string]store.School, len(schools))
	for _, s := range schools {
		byID[s.ID] = s
	}

	selected := make([]store.School, 0, len(filter))
	for _, id := range filter {
		s, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown school id in filter: %s", id)
		}
		selected = append(selected, s)
	}
	// Deterministic order regardless of how the filter was given
	sort.Slice(selected, func(i, j int) bool { return selected[i].ID < selected[j].ID })

	return selected, nil
}

// processSchool runs every chunk of one school sequentially, which is what
// keeps batch indices monotonically increasing within the school
func (o *orchestrator) processSchool(ctx context.Context, school store.School, chunks []chunk.Chunk) {
	logger := o.logger.With(zap.String("school", school.ID))
	logger.Info("Processing school", zap.Int("chunks", len(chunks)))

	for _, ch := range chunks {
		if ctx.Err() != nil {
			return
		}
		o.processChunk(ctx, school, ch, logger)
	}

	o.metrics.SchoolDone()
	logger.Info("School done")
}

func (o *orchestrator) processChunk(ctx context.Context, school store.School, ch chunk.Chunk, logger *zap.Logger) {
	it := sis.NewPageIterator(o.source, school.ID, ch)

	var pending []sis.RawRecord
	for {
		if ctx.Err() != nil {
			return
		}

		var page sis.Page
		var ok bool
		err := o.retryPolicy.Do(ctx, classify.StageFetch, func(ctx context.Context) error {
			p, more, err := it.Next(ctx)
			if err != nil {
				o.metrics.IncAPIRequest("error")
				return err
			}
			o.metrics.IncAPIRequest("success")
			page, ok = p, more
			return nil
		})
		if err != nil {
			// A fetch failing because the run was cancelled (externally or by
			// a fatal error elsewhere) is not a failure of its own
			if ctx.Err() != nil {
				return
			}
			ce := o.annotate(classify.StageFetch, err, school.ID, ch, -1)
			if ce.Kind == classify.Fatal {
				o.abort(ce)
				return
			}
			// Skip the affected unit: the rest of this (school, chunk).
			// Unwritten records are picked up by a later run.
			o.recordError(ce)
			logger.Warn("Skipping rest of chunk after exhausted page fetch",
				zap.String("chunk", ch.String()),
				zap.Int("pending_dropped", len(pending)),
				zap.Error(err),
			)
			return
		}
		if !ok {
			break
		}

		pending = append(pending, page.Records...)
		for len(pending) >= o.op.BatchSize {
			batch := pending[:o.op.BatchSize]
			pending = pending[o.op.BatchSize:]
			if !o.processBatch(ctx, school, ch, batch, logger) {
				return
			}
		}
	}

	// A batch never spans chunks; the remainder is flushed as a short batch
	if len(pending) > 0 && ctx.Err() == nil {
		o.processBatch(ctx, school, ch, pending, logger)
	}
}

// processBatch transforms and writes one batch. Returns false when the
// operation must stop (fatal error or cancellation).
func (o *orchestrator) processBatch(ctx context.Context, school store.School, ch chunk.Chunk, raws []sis.RawRecord, logger *zap.Logger) bool {
	idx := o.allocIndex()

	// Resume semantics: batches at or below the checkpoint cursor were
	// already written; the upsert sink makes re-skipping them safe
	if idx <= o.resumeIndex {
		o.metrics.ObserveSkippedBatch()
		logger.Debug("Skipping already-completed batch", zap.Int64("batch_index", idx))
		return true
	}

	start := time.Now()

	// Once a batch is in flight it runs to completion even if cancellation
	// arrives mid-way; the cancellation is honored at the next batch boundary
	writeCtx := context.WithoutCancel(ctx)

	records := make([]*transform.AttendanceRecord, 0, len(raws))
	transformFailed := 0
	for _, raw := range raws {
		rec, err := o.transformer.Transform(writeCtx, raw, school.ID)
		if err != nil {
			// Record-level failures never escalate to the batch
			ce := o.annotate(classify.StageTransform, err, school.ID, ch, idx)
			o.recordError(ce)
			transformFailed++
			continue
		}
		rec.OperationID = o.op.ID
		records = append(records, rec)
	}

	var result store.BatchResult
	err := o.retryPolicy.Do(writeCtx, classify.StageWrite, func(ctx context.Context) error {
		r, err := o.store.WriteBatch(ctx, records)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		ce := o.annotate(classify.StageWrite, err, school.ID, ch, idx)
		if ce.Kind == classify.Fatal {
			o.abort(ce)
			return false
		}
		// The whole batch write is skipped; the summary records it for replay
		o.recordError(ce)
		result = store.BatchResult{}
		transformFailed += len(records)
		logger.Warn("Batch write skipped after exhausted retries",
			zap.Int64("batch_index", idx), zap.Error(err))
	}

	for _, f := range result.Failures {
		ce := classify.NewRecoverable(classify.StageWrite, f.Err)
		ce.School = school.ID
		ce.Chunk = ch.String()
		ce.BatchIndex = idx
		ce.RecordKey = f.RecordKey
		o.recordError(ce)
	}

	failed := transformFailed + len(result.Failures)
	o.completeBatch(idx, len(raws), result.Succeeded, failed)
	o.metrics.ObserveBatch(len(raws), result.Succeeded, failed, time.Since(start))

	logger.Info("Batch completed",
		zap.Int64("batch_index", idx),
		zap.String("chunk", ch.String()),
		zap.Int("records", len(raws)),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", failed),
		zap.Duration("duration", time.Since(start)),
	)

	return ctx.Err() == nil
}

// allocIndex hands out the next global batch index
func (o *orchestrator) allocIndex() int64 {
	o.indexMu.Lock()
	defer o.indexMu.Unlock()
	idx := o.nextIndex
	o.nextIndex++
	return idx
}

// completeBatch advances counters and the checkpoint cursor, persisting a
// checkpoint every N completed batches
func (o *orchestrator) completeBatch(idx int64, seen, succeeded, failed int) {
	o.indexMu.Lock()
	if idx > o.lastCompleted {
		o.lastCompleted = idx
	}
	o.indexMu.Unlock()

	o.countersMu.Lock()
	o.counters.RecordsSeen += int64(seen)
	o.counters.RecordsSucceeded += int64(succeeded)
	o.counters.RecordsFailed += int64(failed)
	o.counters.BatchesCompleted++
	o.sinceCheckpoint++
	shouldSave := o.sinceCheckpoint >= o.cfg.Sync.CheckpointEvery
	if shouldSave {
		o.sinceCheckpoint = 0
	}
	o.countersMu.Unlock()

	if shouldSave {
		o.saveCheckpoint(context.Background(), checkpoint.StatusRunning)
	}
}

// saveCheckpoint persists progress. A failed save is recoverable: it is
// retried, then logged; the previously persisted checkpoint stays valid so
// the resume cursor is never corrupted.
func (o *orchestrator) saveCheckpoint(ctx context.Context, status checkpoint.OperationStatus) {
	o.indexMu.Lock()
	lastCompleted := o.lastCompleted
	o.indexMu.Unlock()

	o.countersMu.Lock()
	counters := o.counters
	o.countersMu.Unlock()

	cp := &checkpoint.Checkpoint{
		OperationID:    o.op.ID,
		LastBatchIndex: lastCompleted,
		Counters:       counters,
		Status:         status,
		StartDate:      o.op.StartDate,
		EndDate:        o.op.EndDate,
		BatchSize:      o.op.BatchSize,
		ChunkDays:      o.op.ChunkDays,
		StartedAt:      o.op.StartedAt,
	}

	err := o.retryPolicy.Do(ctx, classify.StageCheckpoint, func(ctx context.Context) error {
		return o.ckpt.Save(cp)
	})
	if err != nil {
		o.recordError(o.classifier.Wrap(classify.StageCheckpoint, err))
		o.logger.Error("Failed to persist checkpoint",
			zap.Int64("last_batch_index", lastCompleted), zap.Error(err))
	}
}

// abort records the fatal cause and stops all workers. First fatal wins.
func (o *orchestrator) abort(ce *classify.ClassifiedError) {
	o.recordError(ce)

	o.fatalMu.Lock()
	first := o.fatalErr == nil
	if first {
		o.fatalErr = ce
	}
	o.fatalMu.Unlock()

	if first {
		o.logger.Error("Fatal error, aborting operation", zap.Error(ce))
		o.cancelRun()
	}
}

func (o *orchestrator) finalize(ctx context.Context) error {
	o.fatalMu.Lock()
	fatalErr := o.fatalErr
	o.fatalMu.Unlock()

	var status checkpoint.OperationStatus
	switch {
	case fatalErr != nil:
		status = checkpoint.StatusFailed
	case ctx.Err() != nil:
		status = checkpoint.StatusCancelled
	default:
		status = checkpoint.StatusCompleted
	}

	// Final checkpoint reflects the last successfully completed batch
	o.saveCheckpoint(context.Background(), status)
	o.logSummary(status, fatalErr)

	switch status {
	case checkpoint.StatusFailed:
		return fmt.Errorf("sync aborted: %w", fatalErr)
	case checkpoint.StatusCancelled:
		return fmt.Errorf("%w: resume with --resume --operation-id %s", ErrCancelled, o.op.ID)
	default:
		return nil
	}
}

func (o *orchestrator) recordError(ce *classify.ClassifiedError) {
	o.errsMu.Lock()
	o.errs = append(o.errs, ce)
	o.errsMu.Unlock()
}

// annotate attaches pipeline context to a failure. batchIndex -1 means the
// failure is not tied to any batch (a page fetch, for instance).
func (o *orchestrator) annotate(stage string, err error, schoolID string, ch chunk.Chunk, batchIndex int64) *classify.ClassifiedError {
	ce := o.classifier.Wrap(stage, err)
	if ce.School == "" {
		ce.School = schoolID
	}
	if ce.Chunk == "" {
		ce.Chunk = ch.String()
	}
	if ce.BatchIndex < 0 && batchIndex >= 0 {
		ce.BatchIndex = batchIndex
	}
	return ce
}

// logProgress emits a periodic progress line while the run is active
func (o *orchestrator) logProgress(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	tracker := o.metrics.GetProgressTracker()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := tracker.GetStatus()
			o.logger.Info("Sync progress",
				zap.Int64("records_seen", st.RecordsSeen),
				zap.Int64("records_succeeded", st.RecordsSucceeded),
				zap.Int64("records_failed", st.RecordsFailed),
				zap.Int64("batches_completed", st.BatchesCompleted),
				zap.Int64("batches_skipped", st.BatchesSkipped),
				zap.Int64("schools_done", st.SchoolsDone),
				zap.Duration("elapsed", st.Elapsed()),
				zap.Float64("records_per_sec", st.RecordsPerSecond),
			)
		}
	}
}

func (o *orchestrator) logPlan(chunks []chunk.Chunk) {
	o.logger.Info("Dry run: sync plan",
		zap.String("operation_id", o.op.ID),
		zap.Int("schools", len(o.op.Schools)),
		zap.Int("chunks_per_school", len(chunks)),
	)
	for _, school := range o.op.Schools {
		for _, ch := range chunks {
			o.logger.Info("Would fetch",
				zap.String("school", school.ID),
				zap.String("chunk", ch.String()),
				zap.Int("days", ch.Days()),
			)
		}
	}
}
