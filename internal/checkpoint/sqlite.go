package checkpoint

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  bool
	writeMu sync.Mutex
}

// NewSQLiteStore creates a new SQLite checkpoint store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite for concurrent access
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		operation_id TEXT PRIMARY KEY,
		last_batch_index INTEGER NOT NULL,
		counters TEXT NOT NULL,
		status TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		batch_size INTEGER NOT NULL,
		chunk_days INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status);
	`

	_, err := s.db.Exec(query)
	return err
}

// Load retrieves the checkpoint for an operation. A missing operation id is
// not an error; the caller starts from batch 0.
func (s *SQLiteStore) Load(operationID string) (*Checkpoint, error) {
	if s.closed {
		return nil, fmt.Errorf("checkpoint store is closed")
	}

	var result *Checkpoint
	err := s.retryOnBusy(func() error {
		var err error
		result, err = s.loadInternal(operationID)
		return err
	})
	return result, err
}

func (s *SQLiteStore) loadInternal(operationID string) (*Checkpoint, error) {
	query := `
	SELECT operation_id, last_batch_index, counters, status, start_date, end_date,
	       batch_size, chunk_days, started_at, updated_at
	FROM checkpoints WHERE operation_id = ?
	`

	row := s.db.QueryRow(query, operationID)

	var cp Checkpoint
	var counters string
	var startDate, endDate string

	err := row.Scan(
		&cp.OperationID,
		&cp.LastBatchIndex,
		&counters,
		&cp.Status,
		&startDate,
		&endDate,
		&cp.BatchSize,
		&cp.ChunkDays,
		&cp.StartedAt,
		&cp.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(counters), &cp.Counters); err != nil {
		return nil, fmt.Errorf("failed to decode counters: %w", err)
	}
	if cp.StartDate, err = time.ParseInLocation("2006-01-02", startDate, time.UTC); err != nil {
		return nil, fmt.Errorf("failed to parse start date: %w", err)
	}
	if cp.EndDate, err = time.ParseInLocation("2006-01-02", endDate, time.UTC); err != nil {
		return nil, fmt.Errorf("failed to parse end date: %w", err)
	}

	return &cp, nil
}

// Save persists the checkpoint, overwriting any previous one for the same
// operation id
func (s *SQLiteStore) Save(cp *Checkpoint) error {
	if s.closed {
		return fmt.Errorf("checkpoint store is closed")
	}

	// Serialize writes to avoid SQLITE_BUSY from concurrent writers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		return s.saveInternal(cp)
	})
}

func (s *SQLiteStore) saveInternal(cp *Checkpoint) error {
	cp.UpdatedAt = time.Now()

	counters, err := json.Marshal(cp.Counters)
	if err != nil {
		return fmt.Errorf("failed to encode counters: %w", err)
	}

	query := `
	INSERT INTO checkpoints
	(operation_id, last_batch_index, counters, status, start_date, end_date,
	 batch_size, chunk_days, started_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(operation_id) DO UPDATE SET
		last_batch_index = excluded.last_batch_index,
		counters = excluded.counters,
		status = excluded.status,
		start_date = excluded.start_date,
		end_date = excluded.end_date,
		batch_size = excluded.batch_size,
		chunk_days = excluded.chunk_days,
		updated_at = excluded.updated_at
	`

	_, err = s.db.Exec(query,
		cp.OperationID,
		cp.LastBatchIndex,
		string(counters),
		cp.Status,
		cp.StartDate.Format("2006-01-02"),
		cp.EndDate.Format("2006-01-02"),
		cp.BatchSize,
		cp.ChunkDays,
		cp.StartedAt,
		cp.UpdatedAt,
	)
	return err
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		if isSQLiteBusyError(err) && attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			time.Sleep(delay)
			continue
		}

		return err
	}

	return nil
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.closed = true
	return s.db.Close()
}
