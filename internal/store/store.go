package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"sissync/internal/transform"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-multierror"
	_ "modernc.org/sqlite"
)

// School is one sync target from the local catalog
type School struct {
	ID   string
	Name string
}

// RecordFailure is one record that could not be written
type RecordFailure struct {
	RecordKey string
	Err       error
}

// BatchResult is the outcome of one batch write. Per-record failures do not
// abort the rest of the batch.
type BatchResult struct {
	Succeeded int
	Failures  []RecordFailure
}

// Err aggregates the per-record failures, or nil if there were none
func (r BatchResult) Err() error {
	var result *multierror.Error
	for _, f := range r.Failures {
		result = multierror.Append(result, fmt.Errorf("record %s: %w", f.RecordKey, f.Err))
	}
	return result.ErrorOrNil()
}

// Store is the local attendance database. Attendance writes are upserts
// keyed by (student_id, date), which is what makes resume-from-checkpoint
// safe even after a partially committed batch.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex

	cacheMu      sync.RWMutex
	studentCache map[string]string
}

// New opens (or creates) the attendance database at dbPath
func New(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	s := newWithDB(db)
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an existing database handle. Tables are assumed to exist.
func NewWithDB(db *sql.DB) *Store {
	return newWithDB(db)
}

func newWithDB(db *sql.DB) *Store {
	return &Store{
		db:           db,
		studentCache: make(map[string]string),
	}
}

func (s *Store) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS schools (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		sis_id TEXT NOT NULL UNIQUE,
		school_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS attendance (
		student_id TEXT NOT NULL,
		sis_student_id TEXT NOT NULL,
		school_id TEXT NOT NULL,
		date TEXT NOT NULL,
		present INTEGER NOT NULL,
		full_day_absence INTEGER NOT NULL,
		period_statuses TEXT NOT NULL,
		tardy_count INTEGER NOT NULL,
		correction_eligible INTEGER NOT NULL,
		correction_deadline TEXT NOT NULL,
		source TEXT NOT NULL,
		operation_id TEXT NOT NULL,
		synced_at DATETIME NOT NULL,
		PRIMARY KEY (student_id, date)
	);

	CREATE INDEX IF NOT EXISTS idx_attendance_school_date ON attendance(school_id, date);
	CREATE INDEX IF NOT EXISTS idx_students_sis_id ON students(sis_id);
	`

	_, err := s.db.Exec(query)
	return err
}

// Schools lists the sync targets from the local catalog
func (s *Store) Schools(ctx context.Context) ([]School, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM schools ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schools: %w", err)
	}
	defer rows.Close()

	var schools []School
	for rows.Next() {
		var sc School
		if err := rows.Scan(&sc.ID, &sc.Name); err != nil {
			return nil, err
		}
		schools = append(schools, sc)
	}
	return schools, rows.Err()
}

// UpsertSchool adds or updates a school in the catalog
func (s *Store) UpsertSchool(ctx context.Context, school School) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO schools (id, name) VALUES (?, ?)
	ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, school.ID, school.Name)
	return err
}

// UpsertStudent adds or updates a student and their SIS id mapping
func (s *Store) UpsertStudent(ctx context.Context, localID, sisID, schoolID, name string) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO students (id, sis_id, school_id, name) VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET sis_id = excluded.sis_id, school_id = excluded.school_id, name = excluded.name
	`, localID, sisID, schoolID, name)
	return err
}

// ResolveStudent maps a SIS student id to the local student id. Implements
// transform.StudentResolver. Lookups are cached for the life of the store.
func (s *Store) ResolveStudent(ctx context.Context, sisStudentID string) (string, error) {
	s.cacheMu.RLock()
	localID, ok := s.studentCache[sisStudentID]
	s.cacheMu.RUnlock()
	if ok {
		return localID, nil
	}

	row := s.db.QueryRowContext(ctx, `SELECT id FROM students WHERE sis_id = ?`, sisStudentID)
	if err := row.Scan(&localID); err != nil {
		if err == sql.ErrNoRows {
			return "", transform.ErrStudentNotFound
		}
		return "", fmt.Errorf("student lookup failed: %w", err)
	}

	s.cacheMu.Lock()
	s.studentCache[sisStudentID] = localID
	s.cacheMu.Unlock()

	return localID, nil
}

// WriteBatch upserts a batch of attendance records inside one transaction.
// Re-submitting an already-written record produces the same final state.
// A failing record is recorded in the result and the rest of the batch still
// goes through; only batch-level failures (opening or committing the
// transaction) are returned as an error, with nothing written.
func (s *Store) WriteBatch(ctx context.Context, records []*transform.AttendanceRecord) (BatchResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BatchResult{}, fmt.Errorf("failed to begin batch transaction: %w", err)
	}

	var result BatchResult
	for _, rec := range records {
		if err := s.upsertRecord(ctx, tx, rec); err != nil {
			result.Failures = append(result.Failures, RecordFailure{
				RecordKey: fmt.Sprintf("%s@%s", rec.StudentID, rec.Date.Format("2006-01-02")),
				Err:       err,
			})
			continue
		}
		result.Succeeded++
	}

	if err := tx.Commit(); err != nil {
		return BatchResult{}, fmt.Errorf("failed to commit batch: %w", err)
	}

	return result, nil
}

func (s *Store) upsertRecord(ctx context.Context, tx *sql.Tx, rec *transform.AttendanceRecord) error {
	statuses, err := json.Marshal(rec.PeriodStatuses)
	if err != nil {
		return fmt.Errorf("failed to encode period statuses: %w", err)
	}

	query := `
	INSERT INTO attendance
	(student_id, sis_student_id, school_id, date, present, full_day_absence,
	 period_statuses, tardy_count, correction_eligible, correction_deadline,
	 source, operation_id, synced_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(student_id, date) DO UPDATE SET
		sis_student_id = excluded.sis_student_id,
		school_id = excluded.school_id,
		present = excluded.present,
		full_day_absence = excluded.full_day_absence,
		period_statuses = excluded.period_statuses,
		tardy_count = excluded.tardy_count,
		correction_eligible = excluded.correction_eligible,
		correction_deadline = excluded.correction_deadline,
		source = excluded.source,
		operation_id = excluded.operation_id,
		synced_at = excluded.synced_at
	`

	_, err = tx.ExecContext(ctx, query,
		rec.StudentID,
		rec.SISStudentID,
		rec.SchoolID,
		rec.Date.Format("2006-01-02"),
		boolToInt(rec.Present),
		boolToInt(rec.FullDayAbsence),
		string(statuses),
		rec.TardyCount,
		boolToInt(rec.CorrectionEligible),
		rec.CorrectionDeadline.Format("2006-01-02"),
		rec.Source,
		rec.OperationID,
		rec.SyncedAt,
	)
	return err
}

// CountAttendance returns the number of attendance rows, optionally limited
// to one school
func (s *Store) CountAttendance(ctx context.Context, schoolID string) (int64, error) {
	var (
		count int64
		err   error
	)
	if schoolID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendance`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendance WHERE school_id = ?`, schoolID).Scan(&count)
	}
	return count, err
}

// GetAttendance fetches one attendance record by its (student, date) key,
// or (nil, nil) if absent
func (s *Store) GetAttendance(ctx context.Context, studentID string, date time.Time) (*transform.AttendanceRecord, error) {
	query := `
	SELECT student_id, sis_student_id, school_id, date, present, full_day_absence,
	       period_statuses, tardy_count, correction_eligible, correction_deadline,
	       source, operation_id, synced_at
	FROM attendance WHERE student_id = ? AND date = ?
	`

	row := s.db.QueryRowContext(ctx, query, studentID, date.Format("2006-01-02"))

	var rec transform.AttendanceRecord
	var dateStr, deadlineStr, statuses string
	var present, fullDay, eligible int
	err := row.Scan(
		&rec.StudentID,
		&rec.SISStudentID,
		&rec.SchoolID,
		&dateStr,
		&present,
		&fullDay,
		&statuses,
		&rec.TardyCount,
		&eligible,
		&deadlineStr,
		&rec.Source,
		&rec.OperationID,
		&rec.SyncedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if rec.Date, err = time.ParseInLocation("2006-01-02", dateStr, time.UTC); err != nil {
		return nil, fmt.Errorf("failed to parse date: %w", err)
	}
	if rec.CorrectionDeadline, err = time.ParseInLocation("2006-01-02", deadlineStr, time.UTC); err != nil {
		return nil, fmt.Errorf("failed to parse correction deadline: %w", err)
	}
	if err := json.Unmarshal([]byte(statuses), &rec.PeriodStatuses); err != nil {
		return nil, fmt.Errorf("failed to decode period statuses: %w", err)
	}
	rec.Present = present != 0
	rec.FullDayAbsence = fullDay != 0
	rec.CorrectionEligible = eligible != 0

	return &rec, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ transform.StudentResolver = (*Store)(nil)
