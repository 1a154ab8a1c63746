package transform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sissync/internal/chunk"
	"sissync/internal/classify"
	"sissync/internal/sis"

	"go.uber.org/zap"
)

// ErrStudentNotFound indicates a SIS student id with no local counterpart.
// Expected during partial data loads; always recoverable.
var ErrStudentNotFound = errors.New("student not found in local store")

// StudentResolver maps a SIS student identifier to a local student reference
type StudentResolver interface {
	ResolveStudent(ctx context.Context, sisStudentID string) (localID string, err error)
}

// Transformer maps raw SIS records into local attendance records
type Transformer struct {
	resolver StudentResolver
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Transformer. The resolver is the only impure dependency.
func New(resolver StudentResolver, logger *zap.Logger) *Transformer {
	return &Transformer{resolver: resolver, logger: logger, now: time.Now}
}

// Transform converts one raw record. Failures are always RECOVERABLE and
// scoped to the single record: a bad date or an unresolvable student drops
// the record, never the batch.
func (t *Transformer) Transform(ctx context.Context, raw sis.RawRecord, schoolID string) (*AttendanceRecord, error) {
	date, err := time.ParseInLocation("2006-01-02", raw.Date, time.UTC)
	if err != nil {
		ce := classify.NewRecoverable(classify.StageTransform,
			fmt.Errorf("invalid attendance date %q: %w", raw.Date, err))
		ce.School = schoolID
		ce.RecordKey = raw.Key()
		return nil, ce
	}

	localID, err := t.resolver.ResolveStudent(ctx, raw.StudentID)
	if err != nil {
		ce := classify.NewRecoverable(classify.StageTransform,
			fmt.Errorf("resolving student %s: %w", raw.StudentID, err))
		ce.School = schoolID
		ce.RecordKey = raw.Key()
		return nil, ce
	}

	statuses := t.normalizePeriods(raw)

	tardies := 0
	present := false
	absences := 0
	for _, s := range statuses {
		switch s {
		case StatusTardy:
			tardies++
			present = true
		case StatusPresent:
			present = true
		case StatusAbsent, StatusExcusedAbsent, StatusUnexcusedAbsent, StatusSuspended:
			absences++
		}
	}
	fullDayAbsence := len(statuses) > 0 && absences == len(statuses)

	now := t.now()
	deadline := date.AddDate(0, 0, CorrectionWindowDays)
	// Day-granular: a record stays correctable through the whole deadline day
	eligible := !chunk.Date(now).After(deadline)

	return &AttendanceRecord{
		StudentID:          localID,
		SISStudentID:       raw.StudentID,
		SchoolID:           schoolID,
		Date:               date,
		Present:            present,
		FullDayAbsence:     fullDayAbsence,
		PeriodStatuses:     statuses,
		TardyCount:         tardies,
		CorrectionEligible: eligible,
		CorrectionDeadline: deadline,
		Source:             "sis",
		SyncedAt:           now,
	}, nil
}

// normalizePeriods maps SIS status codes onto the local enum. Unrecognized
// codes default to PRESENT with a data-quality warning; they never fail the
// record or the batch.
func (t *Transformer) normalizePeriods(raw sis.RawRecord) []PeriodStatus {
	periods := raw.Periods
	if len(periods) > MaxPeriods {
		t.logger.Warn("Record has more periods than supported, truncating",
			zap.String("record", raw.Key()),
			zap.Int("periods", len(periods)),
		)
		periods = periods[:MaxPeriods]
	}

	statuses := make([]PeriodStatus, 0, len(periods))
	for _, p := range periods {
		statuses = append(statuses, t.normalizeCode(p.Code, raw))
	}
	return statuses
}

func (t *Transformer) normalizeCode(code string, raw sis.RawRecord) PeriodStatus {
	switch code {
	case "P", "PRESENT":
		return StatusPresent
	case "A", "ABSENT":
		return StatusAbsent
	case "T", "L", "TARDY":
		return StatusTardy
	case "E", "EXCUSED", "EXCUSED_ABSENT":
		return StatusExcusedAbsent
	case "U", "UNEXCUSED", "UNEXCUSED_ABSENT":
		return StatusUnexcusedAbsent
	case "S", "SUSPENDED":
		return StatusSuspended
	default:
		t.logger.Warn("Unrecognized period status code, defaulting to PRESENT",
			zap.String("code", code),
			zap.String("record", raw.Key()),
		)
		return StatusPresent
	}
}
