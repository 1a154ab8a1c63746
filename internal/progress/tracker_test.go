package progress

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerAccumulates(t *testing.T) {
	tr := NewTracker()

	tr.AddBatch(500, 498, 2)
	tr.AddBatch(230, 230, 0)
	tr.AddSkippedBatch()
	tr.AddSchoolDone()

	st := tr.GetStatus()
	assert.Equal(t, int64(730), st.RecordsSeen)
	assert.Equal(t, int64(728), st.RecordsSucceeded)
	assert.Equal(t, int64(2), st.RecordsFailed)
	assert.Equal(t, int64(2), st.BatchesCompleted)
	assert.Equal(t, int64(1), st.BatchesSkipped)
	assert.Equal(t, int64(1), st.SchoolsDone)
	assert.False(t, st.LastUpdateTime.Before(st.StartTime))
}

func TestTrackerConcurrentUpdates(t *testing.T) {
	tr := NewTracker()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				tr.AddBatch(10, 9, 1)
			}
		}()
	}
	wg.Wait()

	st := tr.GetStatus()
	assert.Equal(t, int64(8000), st.RecordsSeen)
	assert.Equal(t, int64(7200), st.RecordsSucceeded)
	assert.Equal(t, int64(800), st.RecordsFailed)
	assert.Equal(t, int64(800), st.BatchesCompleted)
}
