package progress

import (
	"sync"
	"time"
)

// Status is a point-in-time view of sync progress
type Status struct {
	RecordsSeen      int64
	RecordsSucceeded int64
	RecordsFailed    int64
	BatchesCompleted int64
	BatchesSkipped   int64
	SchoolsDone      int64
	StartTime        time.Time
	LastUpdateTime   time.Time
	RecordsPerSecond float64
}

// Elapsed is the wall-clock time since tracking started
func (s Status) Elapsed() time.Duration {
	return s.LastUpdateTime.Sub(s.StartTime)
}

// Tracker tracks sync progress across workers
type Tracker struct {
	mu     sync.RWMutex
	status Status
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{
		status: Status{StartTime: now, LastUpdateTime: now},
	}
}

// AddBatch records one completed batch
func (t *Tracker) AddBatch(seen, succeeded, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.RecordsSeen += int64(seen)
	t.status.RecordsSucceeded += int64(succeeded)
	t.status.RecordsFailed += int64(failed)
	t.status.BatchesCompleted++
	t.update()
}

// AddSkippedBatch records one batch skipped on resume
func (t *Tracker) AddSkippedBatch() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.BatchesSkipped++
	t.update()
}

// AddSchoolDone records one fully processed school
func (t *Tracker) AddSchoolDone() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.SchoolsDone++
	t.update()
}

func (t *Tracker) update() {
	now := time.Now()
	t.status.LastUpdateTime = now

	elapsed := now.Sub(t.status.StartTime)
	if elapsed > 0 {
		t.status.RecordsPerSecond = float64(t.status.RecordsSucceeded) / elapsed.Seconds()
	}
}

// GetStatus returns the current status (thread-safe)
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}
