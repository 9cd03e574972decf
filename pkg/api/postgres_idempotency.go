package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const idempotencySchema = `
CREATE TABLE IF NOT EXISTS spend_idempotency (
	key        TEXT PRIMARY KEY,
	status     INTEGER NOT NULL,
	header     JSONB NOT NULL,
	body       BYTEA NOT NULL,
	stored_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS spend_idempotency_stored_at ON spend_idempotency (stored_at);
`

// PostgresIdempotencyStore keeps replays in Postgres so they survive restarts
// and are shared between replicas.
type PostgresIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func NewPostgresIdempotencyStore(db *sql.DB, ttl time.Duration) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{db: db, ttl: ttl, now: time.Now}
}

// Init creates the table.
func (s *PostgresIdempotencyStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, idempotencySchema); err != nil {
		return fmt.Errorf("idempotency schema: %w", err)
	}
	return nil
}

// Lookup treats read errors as a miss; the handler then runs normally.
func (s *PostgresIdempotencyStore) Lookup(ctx context.Context, key string) (*Replay, bool) {
	var (
		rep    Replay
		header []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM spend_idempotency WHERE key = $1 AND stored_at > $2`,
		key, s.now().Add(-s.ttl),
	).Scan(&rep.Status, &header, &rep.Body, &rep.StoredAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.WarnContext(ctx, "idempotency lookup failed", "error", err)
		}
		return nil, false
	}
	if err := json.Unmarshal(header, &rep.Header); err != nil {
		rep.Header = http.Header{"Content-Type": {"application/json"}}
	}
	return &rep, true
}

func (s *PostgresIdempotencyStore) Save(ctx context.Context, key string, rep *Replay) {
	header, err := json.Marshal(rep.Header)
	if err != nil {
		header = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO spend_idempotency (key, status, header, body, stored_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE
		 SET status = EXCLUDED.status, header = EXCLUDED.header, body = EXCLUDED.body, stored_at = EXCLUDED.stored_at`,
		key, rep.Status, header, rep.Body, s.now(),
	)
	if err != nil {
		slog.WarnContext(ctx, "idempotency save failed", "key", key, "error", err)
	}
}

// Sweep deletes expired rows.
func (s *PostgresIdempotencyStore) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM spend_idempotency WHERE stored_at <= $1`, s.now().Add(-s.ttl)); err != nil {
		slog.WarnContext(ctx, "idempotency sweep failed", "error", err)
	}
}
