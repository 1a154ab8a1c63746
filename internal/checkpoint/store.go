package checkpoint

import (
	"time"
)

// OperationStatus represents the status of a sync operation
type OperationStatus string

const (
	StatusRunning   OperationStatus = "running"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
	StatusCancelled OperationStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Counters are the cumulative aggregate counts of a sync operation
type Counters struct {
	RecordsSeen      int64 `json:"records_seen"`
	RecordsSucceeded int64 `json:"records_succeeded"`
	RecordsFailed    int64 `json:"records_failed"`
	BatchesCompleted int64 `json:"batches_completed"`
}

// Checkpoint is the durable progress record of one sync operation. One row
// per operation id; this is the only state that must survive a restart.
type Checkpoint struct {
	OperationID    string          `json:"operation_id"`
	LastBatchIndex int64           `json:"last_batch_index"`
	Counters       Counters        `json:"counters"`
	Status         OperationStatus `json:"status"`
	StartDate      time.Time       `json:"start_date"`
	EndDate        time.Time       `json:"end_date"`
	BatchSize      int             `json:"batch_size"`
	ChunkDays      int             `json:"chunk_days"`
	StartedAt      time.Time       `json:"started_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Store defines the interface for checkpoint persistence
type Store interface {
	// Load returns the checkpoint for an operation, or (nil, nil) if none
	// exists yet ("start from batch 0")
	Load(operationID string) (*Checkpoint, error)
	// Save overwrites the checkpoint for its operation id. Idempotent.
	Save(cp *Checkpoint) error

	// Cleanup
	Close() error
}
