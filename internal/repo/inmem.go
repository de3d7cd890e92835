package repo

import (
	"context"
	"sync"

	"github.com/tinoosan/podfetch/internal/data"
	"github.com/tinoosan/podfetch/internal/fp"
)

type InMemoryOutcomeStore struct {
	mu       sync.RWMutex
	outcomes map[string]data.Outcome
}

func NewInMemoryOutcomeStore() *InMemoryOutcomeStore {
	return &InMemoryOutcomeStore{outcomes: make(map[string]data.Outcome)}
}

func (r *InMemoryOutcomeStore) PriorOutcome(ctx context.Context, url, destination string) (*data.Outcome, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.outcomes[fp.Fingerprint(url, destination)]
	if !ok {
		return nil, data.ErrNotFound
	}
	return &o, nil
}

func (r *InMemoryOutcomeStore) RecordOutcome(ctx context.Context, o data.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[fp.Fingerprint(o.URL, o.Destination)] = o
	return nil
}

// Len returns the number of stored outcomes.
func (r *InMemoryOutcomeStore) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outcomes)
}

func (r *InMemoryOutcomeStore) Close() error { return nil }
