package app

import (
	"fmt"
	"time"

	"sissync/internal/checkpoint"
	"sissync/internal/classify"

	"go.uber.org/zap"
)

// maxDetailedErrors caps the per-error log lines in the summary; the full
// breakdown by kind and stage is always reported
const maxDetailedErrors = 20

func (o *orchestrator) logSummary(status checkpoint.OperationStatus, fatalErr *classify.ClassifiedError) {
	o.countersMu.Lock()
	counters := o.counters
	o.countersMu.Unlock()

	o.errsMu.Lock()
	errs := make([]*classify.ClassifiedError, len(o.errs))
	copy(errs, o.errs)
	o.errsMu.Unlock()

	breakdown := make(map[string]int)
	for _, ce := range errs {
		breakdown[fmt.Sprintf("%s/%s", ce.Kind, ce.Stage)]++
	}

	fields := []zap.Field{
		zap.String("operation_id", o.op.ID),
		zap.String("status", string(status)),
		zap.Int64("records_seen", counters.RecordsSeen),
		zap.Int64("records_succeeded", counters.RecordsSucceeded),
		zap.Int64("records_failed", counters.RecordsFailed),
		zap.Int64("batches_completed", counters.BatchesCompleted),
		zap.Duration("elapsed", time.Since(o.op.StartedAt)),
		zap.Int("errors", len(errs)),
	}
	for key, count := range breakdown {
		fields = append(fields, zap.Int("errors_"+key, count))
	}
	if fatalErr != nil {
		fields = append(fields, zap.NamedError("fatal_cause", fatalErr))
	}

	switch status {
	case checkpoint.StatusCompleted:
		o.logger.Info("Sync completed", fields...)
	default:
		fields = append(fields, zap.String("resume_hint",
			fmt.Sprintf("--resume --operation-id %s", o.op.ID)))
		o.logger.Error("Sync aborted", fields...)
	}

	for i, ce := range errs {
		if i >= maxDetailedErrors {
			o.logger.Warn("Further errors omitted from summary",
				zap.Int("omitted", len(errs)-maxDetailedErrors))
			break
		}
		o.logger.Warn("Recorded error",
			zap.String("kind", string(ce.Kind)),
			zap.String("stage", ce.Stage),
			zap.String("school", ce.School),
			zap.String("chunk", ce.Chunk),
			zap.Int64("batch_index", ce.BatchIndex),
			zap.String("record", ce.RecordKey),
			zap.Time("at", ce.At),
			zap.Error(ce.Err),
		)
	}
}
