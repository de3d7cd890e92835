package downloader

import "github.com/tinoosan/podfetch/internal/data"

// Event represents a job state change or progress update produced by the
// scheduler. Job is a snapshot taken when the event was emitted.
type Event struct {
	JobID    string
	GID      string
	Type     EventType
	Job      *data.Job
	Progress *Progress
}

// EventType defines the set of events the scheduler emits.
type EventType string

const (
	EventAdmitted EventType = "Admitted"
	EventStart    EventType = "Start"
	EventProgress EventType = "Progress"
	EventPaused   EventType = "Paused"
	EventResumed  EventType = "Resumed"
	EventRetrying EventType = "Retrying"
	EventSkipped  EventType = "Skipped"
	EventComplete EventType = "Complete"
	EventFailed   EventType = "Failed"
)

// Terminal reports whether the event ends a job.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventFailed || t == EventSkipped
}

// Progress carries transfer counters for a job.
type Progress struct {
	Completed int64
	Total     int64
	// Speed is the current download speed in bytes/sec; 0 when unknown.
	Speed int64
}
