package repo

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tinoosan/podfetch/internal/data"
	"github.com/tinoosan/podfetch/internal/fp"
)

// PostgresOutcomeStore implements OutcomeStore backed by PostgreSQL.
// It expects a table `download_outcomes` keyed by `fingerprint`.
type PostgresOutcomeStore struct {
	db *sql.DB
}

// NewPostgresOutcomeStore constructs a store using the provided DSN.
func NewPostgresOutcomeStore(dsn string) (*PostgresOutcomeStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	r := &PostgresOutcomeStore{db: db}
	if err := r.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// PostgresDSNFromEnv builds a DSN from component env vars.
// Recognized envs (with defaults):
//
//	POSTGRES_HOST (localhost), POSTGRES_PORT (5432), POSTGRES_DB (podfetch),
//	POSTGRES_USER (podfetch), POSTGRES_PASSWORD (empty), POSTGRES_SSLMODE (disable)
//
// Credentials and db name are URL-encoded to handle special characters safely.
func PostgresDSNFromEnv() string {
	host := getenv("POSTGRES_HOST", "localhost")
	port := getenv("POSTGRES_PORT", "5432")
	db := getenv("POSTGRES_DB", "podfetch")
	user := getenv("POSTGRES_USER", "podfetch")
	pass := getenv("POSTGRES_PASSWORD", "")
	ssl := getenv("POSTGRES_SSLMODE", "disable")

	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, pass),
		Host:   net.JoinHostPort(host, port),
		Path:   "/" + db,
	}
	q := url.Values{}
	q.Set("sslmode", ssl)
	u.RawQuery = q.Encode()
	return u.String()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func (r *PostgresOutcomeStore) Close() error { return r.db.Close() }

func (r *PostgresOutcomeStore) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS download_outcomes (
    fingerprint TEXT PRIMARY KEY,
    url TEXT NOT NULL,
    destination TEXT NOT NULL,
    status TEXT NOT NULL,
    bytes_done BIGINT NOT NULL DEFAULT 0,
    path TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL
);
`)
	return err
}

// PriorOutcome implements OutcomeReader.
func (r *PostgresOutcomeStore) PriorOutcome(ctx context.Context, rawURL, destination string) (*data.Outcome, error) {
	row := r.db.QueryRowContext(ctx, `SELECT url,destination,status,bytes_done,path,error,updated_at FROM download_outcomes WHERE fingerprint=$1`, fp.Fingerprint(rawURL, destination))
	var (
		o      data.Outcome
		status string
	)
	if err := row.Scan(&o.URL, &o.Destination, &status, &o.BytesDone, &o.Path, &o.Error, &o.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrNotFound
		}
		return nil, err
	}
	o.Status = data.JobStatus(status)
	return &o, nil
}

// RecordOutcome implements OutcomeWriter with an upsert on fingerprint.
func (r *PostgresOutcomeStore) RecordOutcome(ctx context.Context, o data.Outcome) error {
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO download_outcomes (fingerprint,url,destination,status,bytes_done,path,error,updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (fingerprint) DO UPDATE SET
    url=EXCLUDED.url,
    destination=EXCLUDED.destination,
    status=EXCLUDED.status,
    bytes_done=EXCLUDED.bytes_done,
    path=EXCLUDED.path,
    error=EXCLUDED.error,
    updated_at=EXCLUDED.updated_at
`, fp.Fingerprint(o.URL, o.Destination), o.URL, o.Destination, string(o.Status), o.BytesDone, o.Path, o.Error, o.UpdatedAt)
	return err
}
