package repo

import (
	"context"

	"github.com/tinoosan/podfetch/internal/data"
)

// OutcomeStore persists terminal job outcomes keyed by the fingerprint of
// (URL, destination). Reads may run concurrently; a single writer is assumed.
type OutcomeStore interface {
	OutcomeReader
	OutcomeWriter
	Close() error
}

type OutcomeReader interface {
	// PriorOutcome returns data.ErrNotFound when nothing was recorded.
	PriorOutcome(ctx context.Context, url, destination string) (*data.Outcome, error)
}

type OutcomeWriter interface {
	// RecordOutcome inserts or replaces the record for o's key.
	RecordOutcome(ctx context.Context, o data.Outcome) error
}
