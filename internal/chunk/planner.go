package chunk

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRange indicates the start date is after the end date
	ErrInvalidRange = errors.New("start date is after end date")
	// ErrInvalidChunkDays indicates a non-positive chunk size
	ErrInvalidChunkDays = errors.New("chunk days must be positive")
)

// Chunk is a contiguous, inclusive sub-range of the sync date range.
// Both bounds are dates (midnight UTC).
type Chunk struct {
	Start time.Time
	End   time.Time
}

// Days returns the inclusive length of the chunk in days
func (c Chunk) Days() int {
	return int(c.End.Sub(c.Start).Hours()/24) + 1
}

func (c Chunk) String() string {
	return fmt.Sprintf("%s..%s", c.Start.Format("2006-01-02"), c.End.Format("2006-01-02"))
}

// Date truncates t to a date at midnight UTC
func Date(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Plan splits [start, end] into ordered chunks of at most chunkDays days,
// covering the range exactly with no gaps or overlaps. The final chunk may be
// shorter. The result is a pure function of the three inputs, which is what
// makes checkpoint-based resume reproduce the same chunking.
func Plan(start, end time.Time, chunkDays int) ([]Chunk, error) {
	if chunkDays <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkDays, chunkDays)
	}

	start = Date(start)
	end = Date(end)
	if start.After(end) {
		return nil, fmt.Errorf("%w: %s > %s",
			ErrInvalidRange, start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	var chunks []Chunk
	for cur := start; !cur.After(end); {
		chunkEnd := cur.AddDate(0, 0, chunkDays-1)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		chunks = append(chunks, Chunk{Start: cur, End: chunkEnd})
		cur = chunkEnd.AddDate(0, 0, 1)
	}

	return chunks, nil
}
