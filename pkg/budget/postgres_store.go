package budget

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// ReceiptSchema creates the enforcement receipt table.
const ReceiptSchema = `
CREATE TABLE IF NOT EXISTS enforcement_receipts (
	id         TEXT PRIMARY KEY,
	vault      TEXT NOT NULL,
	recipient  TEXT NOT NULL,
	action     TEXT NOT NULL,
	amount     NUMERIC(78, 0) NOT NULL,
	reason     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	digest     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS enforcement_receipts_vault_idx ON enforcement_receipts (vault, created_at DESC);
`

// PostgresReceiptLog implements ReceiptLog using PostgreSQL.
type PostgresReceiptLog struct {
	db *sql.DB
}

func NewPostgresReceiptLog(db *sql.DB) *PostgresReceiptLog {
	return &PostgresReceiptLog{db: db}
}

// Init creates the table if needed.
func (s *PostgresReceiptLog) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, ReceiptSchema); err != nil {
		return fmt.Errorf("failed to create receipt schema: %w", err)
	}
	return nil
}

func (s *PostgresReceiptLog) Append(ctx context.Context, r *EnforcementReceipt) error {
	query := `
		INSERT INTO enforcement_receipts (id, vault, recipient, action, amount, reason, created_at, digest)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, r.ID, r.Vault, r.Recipient, r.Action, r.Amount, r.Reason, r.Timestamp, r.Digest)
	if err != nil {
		return fmt.Errorf("failed to persist receipt: %w", err)
	}
	return nil
}

func (s *PostgresReceiptLog) List(ctx context.Context, vault string, limit int) ([]*EnforcementReceipt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, vault, recipient, action, amount, reason, created_at, digest FROM enforcement_receipts WHERE vault = $1 ORDER BY created_at DESC LIMIT $2",
		normalize(vault), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	defer rows.Close()

	var out []*EnforcementReceipt
	for rows.Next() {
		var r EnforcementReceipt
		if err := rows.Scan(&r.ID, &r.Vault, &r.Recipient, &r.Action, &r.Amount, &r.Reason, &r.Timestamp, &r.Digest); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
