package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresSchema creates the wallet activity table.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS wallet_activity (
	address        TEXT PRIMARY KEY,
	records        JSONB NOT NULL,
	last_synced_at BIGINT NOT NULL DEFAULT 0,
	last_error     TEXT NOT NULL DEFAULT ''
);
`

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the table if needed.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("failed to create activity schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, address string) (*State, error) {
	st := &State{Address: normalize(address)}
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT records, last_synced_at, last_error FROM wallet_activity WHERE address = $1",
		st.Address,
	).Scan(&raw, &st.LastSyncedAt, &st.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load activity: %w", err)
	}
	if err := json.Unmarshal(raw, &st.Records); err != nil {
		return nil, fmt.Errorf("failed to decode activity records: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) Save(ctx context.Context, state *State) error {
	raw, err := encodeRecords(state.Records)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO wallet_activity (address, records, last_synced_at, last_error)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO UPDATE SET
			records = EXCLUDED.records,
			last_synced_at = EXCLUDED.last_synced_at,
			last_error = EXCLUDED.last_error
	`
	if _, err := s.db.ExecContext(ctx, query, normalize(state.Address), raw, state.LastSyncedAt, state.LastError); err != nil {
		return fmt.Errorf("failed to persist activity: %w", err)
	}
	return nil
}
