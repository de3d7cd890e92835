package repo

import (
	"fmt"
	"path/filepath"
)

const (
	DriverMemory   = "memory"
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

// Options selects and configures an outcome store.
type Options struct {
	Driver string
	// Path is the bolt file; empty means <Dir>/.podfetch.db.
	Path string
	Dir  string
	// DSN for postgres; empty reads POSTGRES_* env vars.
	DSN string
}

// Open returns the store selected by opts.Driver. An empty driver selects
// bolt.
func Open(opts Options) (OutcomeStore, error) {
	switch opts.Driver {
	case DriverMemory:
		return NewInMemoryOutcomeStore(), nil
	case "", DriverBolt:
		p := opts.Path
		if p == "" {
			p = filepath.Join(opts.Dir, DefaultBoltFile)
		}
		return NewBoltOutcomeStore(p)
	case DriverPostgres:
		dsn := opts.DSN
		if dsn == "" {
			dsn = PostgresDSNFromEnv()
		}
		return NewPostgresOutcomeStore(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
