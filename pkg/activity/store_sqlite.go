package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database. Records are kept
// as a JSON document per address.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStore opens (or creates) the database file at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS wallet_activity (
        address TEXT PRIMARY KEY,
        records TEXT NOT NULL,
        last_synced_at INTEGER NOT NULL DEFAULT 0,
        last_error TEXT NOT NULL DEFAULT ''
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, address string) (*State, error) {
	st := &State{Address: normalize(address)}
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT records, last_synced_at, last_error FROM wallet_activity WHERE address = ?`,
		st.Address,
	).Scan(&raw, &st.LastSyncedAt, &st.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load activity: %w", err)
	}
	if err := json.Unmarshal(raw, &st.Records); err != nil {
		return nil, fmt.Errorf("decode activity records: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) Save(ctx context.Context, state *State) error {
	raw, err := encodeRecords(state.Records)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO wallet_activity (address, records, last_synced_at, last_error)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(address) DO UPDATE SET
            records = excluded.records,
            last_synced_at = excluded.last_synced_at,
            last_error = excluded.last_error`,
		normalize(state.Address), raw, state.LastSyncedAt, state.LastError,
	)
	if err != nil {
		return fmt.Errorf("save activity: %w", err)
	}
	return nil
}

func encodeRecords(records []Record) ([]byte, error) {
	if records == nil {
		records = []Record{}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode activity records: %w", err)
	}
	return raw, nil
}
