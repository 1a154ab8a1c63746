package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"sissync/internal/transform"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "attendance.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedStudent(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertSchool(ctx, School{ID: "sch-1", Name: "Lincoln Elementary"}))
	require.NoError(t, s.UpsertStudent(ctx, "stu-1", "sis-1", "sch-1", "Jordan"))
}

func testRecord(date string) *transform.AttendanceRecord {
	d, _ := time.ParseInLocation("2006-01-02", date, time.UTC)
	return &transform.AttendanceRecord{
		StudentID:          "stu-1",
		SISStudentID:       "sis-1",
		SchoolID:           "sch-1",
		Date:               d,
		Present:            true,
		PeriodStatuses:     []transform.PeriodStatus{transform.StatusPresent, transform.StatusTardy},
		TardyCount:         1,
		CorrectionEligible: true,
		CorrectionDeadline: d.AddDate(0, 0, 7),
		Source:             "sis",
		OperationID:        "op-1",
		SyncedAt:           time.Now(),
	}
}

func TestWriteBatchUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	seedStudent(t, s)
	ctx := context.Background()

	rec := testRecord("2024-09-02")
	result, err := s.WriteBatch(ctx, []*transform.AttendanceRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Empty(t, result.Failures)

	// Writing the same (student, date) again leaves one row in the same state
	result, err = s.WriteBatch(ctx, []*transform.AttendanceRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	count, err := s.CountAttendance(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	got, err := s.GetAttendance(ctx, "stu-1", rec.Date)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.PeriodStatuses, got.PeriodStatuses)
	assert.Equal(t, 1, got.TardyCount)
	assert.True(t, got.Present)
}

func TestWriteBatchOverwritesChangedRecord(t *testing.T) {
	s := newTestStore(t)
	seedStudent(t, s)
	ctx := context.Background()

	rec := testRecord("2024-09-02")
	_, err := s.WriteBatch(ctx, []*transform.AttendanceRecord{rec})
	require.NoError(t, err)

	updated := testRecord("2024-09-02")
	updated.Present = false
	updated.FullDayAbsence = true
	updated.PeriodStatuses = []transform.PeriodStatus{transform.StatusAbsent, transform.StatusAbsent}
	updated.TardyCount = 0
	_, err = s.WriteBatch(ctx, []*transform.AttendanceRecord{updated})
	require.NoError(t, err)

	got, err := s.GetAttendance(ctx, "stu-1", rec.Date)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Present)
	assert.True(t, got.FullDayAbsence)
	assert.Equal(t, 0, got.TardyCount)

	count, err := s.CountAttendance(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestWriteBatchPartialFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewWithDB(db)
	ctx := context.Background()

	// First record fails, second still goes through, the batch commits
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO attendance").WillReturnError(assert.AnError)
	mock.ExpectExec("INSERT INTO attendance").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	recs := []*transform.AttendanceRecord{testRecord("2024-09-02"), testRecord("2024-09-03")}
	result, err := s.WriteBatch(ctx, recs)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Succeeded)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "stu-1@2024-09-02", result.Failures[0].RecordKey)
	assert.Error(t, result.Err())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBatchReturnsBatchLevelFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewWithDB(db)
	ctx := context.Background()

	// A dead connection fails the whole batch, not individual records
	mock.ExpectBegin().WillReturnError(assert.AnError)

	result, err := s.WriteBatch(ctx, []*transform.AttendanceRecord{testRecord("2024-09-02")})
	require.Error(t, err)
	assert.Zero(t, result.Succeeded)
	assert.Empty(t, result.Failures)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBatchCommitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewWithDB(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO attendance").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(assert.AnError)

	result, err := s.WriteBatch(ctx, []*transform.AttendanceRecord{testRecord("2024-09-02")})
	require.Error(t, err)
	assert.Zero(t, result.Succeeded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBatchFailsOnClosedStore(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "attendance.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.WriteBatch(context.Background(), []*transform.AttendanceRecord{testRecord("2024-09-02")})
	require.Error(t, err)
}

func TestResolveStudent(t *testing.T) {
	s := newTestStore(t)
	seedStudent(t, s)
	ctx := context.Background()

	local, err := s.ResolveStudent(ctx, "sis-1")
	require.NoError(t, err)
	assert.Equal(t, "stu-1", local)

	// Cached second lookup
	local, err = s.ResolveStudent(ctx, "sis-1")
	require.NoError(t, err)
	assert.Equal(t, "stu-1", local)

	_, err = s.ResolveStudent(ctx, "sis-ghost")
	assert.ErrorIs(t, err, transform.ErrStudentNotFound)
}

func TestSchools(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSchool(ctx, School{ID: "sch-2", Name: "Roosevelt Middle"}))
	require.NoError(t, s.UpsertSchool(ctx, School{ID: "sch-1", Name: "Lincoln Elementary"}))

	schools, err := s.Schools(ctx)
	require.NoError(t, err)
	require.Len(t, schools, 2)
	assert.Equal(t, "sch-1", schools[0].ID)
	assert.Equal(t, "sch-2", schools[1].ID)
}
