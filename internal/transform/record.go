package transform

import (
	"time"
)

// PeriodStatus is the local per-period attendance status
type PeriodStatus string

const (
	StatusPresent         PeriodStatus = "PRESENT"
	StatusAbsent          PeriodStatus = "ABSENT"
	StatusTardy           PeriodStatus = "TARDY"
	StatusExcusedAbsent   PeriodStatus = "EXCUSED_ABSENT"
	StatusUnexcusedAbsent PeriodStatus = "UNEXCUSED_ABSENT"
	StatusSuspended       PeriodStatus = "SUSPENDED"
)

// MaxPeriods is the number of period slots a school day can have
const MaxPeriods = 7

// CorrectionWindowDays is how long after the attendance date a record may
// still be amended
const CorrectionWindowDays = 7

// AttendanceRecord is one student on one calendar date in the local store.
// Unique per (StudentID, Date); the sink upserts, never duplicates.
type AttendanceRecord struct {
	StudentID          string
	SISStudentID       string
	SchoolID           string
	Date               time.Time
	Present            bool
	FullDayAbsence     bool
	PeriodStatuses     []PeriodStatus
	TardyCount         int
	CorrectionEligible bool
	CorrectionDeadline time.Time
	Source             string
	OperationID        string
	SyncedAt           time.Time
}
