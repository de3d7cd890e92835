package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/tinoosan/podfetch/internal/data"
	"github.com/tinoosan/podfetch/internal/fp"
)

const outcomesBucket = "outcomes"

// DefaultBoltFile is created in the destination directory.
const DefaultBoltFile = ".podfetch.db"

// BoltOutcomeStore keeps outcomes in a local BoltDB file, one JSON value
// per fingerprint.
type BoltOutcomeStore struct {
	db *bolt.DB
}

// NewBoltOutcomeStore opens or creates the database at path.
func NewBoltOutcomeStore(path string) (*BoltOutcomeStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(outcomesBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create outcomes bucket: %w", err)
	}
	return &BoltOutcomeStore{db: db}, nil
}

func (r *BoltOutcomeStore) PriorOutcome(ctx context.Context, url, destination string) (*data.Outcome, error) {
	var out *data.Outcome
	err := r.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(outcomesBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", outcomesBucket)
		}
		raw := bucket.Get([]byte(fp.Fingerprint(url, destination)))
		if raw == nil {
			return data.ErrNotFound
		}
		var o data.Outcome
		if err := json.Unmarshal(raw, &o); err != nil {
			return fmt.Errorf("failed to unmarshal outcome: %w", err)
		}
		out = &o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *BoltOutcomeStore) RecordOutcome(ctx context.Context, o data.Outcome) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(outcomesBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", outcomesBucket)
		}
		return bucket.Put([]byte(fp.Fingerprint(o.URL, o.Destination)), raw)
	})
}

func (r *BoltOutcomeStore) Close() error { return r.db.Close() }
