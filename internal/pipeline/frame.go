package pipeline

import "time"

// Frame is a single video frame moving through the pipeline. Seq is assigned
// at ingestion and is strictly increasing per session; the transformed frame
// keeps the sequence number of the frame it replaces.
type Frame struct {
	Seq        uint64
	Data       []byte
	CapturedAt time.Time
	Deadline   time.Time
}

// Expired reports whether the frame has outlived its latency budget.
func (f *Frame) Expired(now time.Time) bool {
	return now.After(f.Deadline)
}

// Drop reasons used for counters and metrics labels.
const (
	DropOverflow = "queue_overflow"
	DropStale    = "stale"
	DropLate     = "late_result"
	DropDrain    = "drain"
	DropNoWorker = "pool_saturated"
)
