package data

import "time"

// JobResult is the terminal record of one request.
type JobResult struct {
	JobID     string
	Request   DownloadRequest
	Status    JobStatus
	BytesDone int64
	Path      string
	Skipped   bool
	Err       error
}

// BatchResult is returned to the caller once every job is terminal. Results
// are in submission order.
type BatchResult struct {
	Results []JobResult
	Elapsed time.Duration
}

// Counts returns the number of complete and failed jobs.
func (b *BatchResult) Counts() (complete, failed int) {
	for _, r := range b.Results {
		switch r.Status {
		case StatusComplete:
			complete++
		case StatusFailed:
			failed++
		}
	}
	return complete, failed
}

// Failed returns the failed results.
func (b *BatchResult) Failed() []JobResult {
	var out []JobResult
	for _, r := range b.Results {
		if r.Status == StatusFailed {
			out = append(out, r)
		}
	}
	return out
}

// TotalBytes sums bytes written across all jobs.
func (b *BatchResult) TotalBytes() int64 {
	var n int64
	for _, r := range b.Results {
		n += r.BytesDone
	}
	return n
}

// OK reports whether every job completed.
func (b *BatchResult) OK() bool {
	_, failed := b.Counts()
	return failed == 0 && len(b.Results) > 0
}

// Outcome is the durable record of a finished job, keyed by URL and
// destination path.
type Outcome struct {
	URL         string    `json:"url"`
	Destination string    `json:"destination"`
	Status      JobStatus `json:"status"`
	BytesDone   int64     `json:"bytesDone"`
	Path        string    `json:"path,omitempty"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// OutcomeOf builds the durable record for a terminal job.
func OutcomeOf(j *Job) Outcome {
	return Outcome{
		URL:         j.Request.URL,
		Destination: j.Request.Destination(),
		Status:      j.Status,
		BytesDone:   j.BytesDone,
		Path:        j.Path,
		Error:       j.LastError,
		UpdatedAt:   time.Now().UTC(),
	}
}
