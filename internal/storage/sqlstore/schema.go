// internal/storage/sqlstore/schema.go
package sqlstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"libralend/internal/audit"
)

// Timestamps are stored as TEXT in loan.TimestampLayout so that both dialects
// compare them in chronological order.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		isbn TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		total_copies INTEGER NOT NULL CHECK (total_copies >= 0),
		stock INTEGER NOT NULL CHECK (stock >= 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL REFERENCES items (id),
		member_id TEXT NOT NULL,
		issue_date TEXT NOT NULL,
		due_date TEXT NOT NULL,
		return_date TEXT,
		import_hash TEXT,
		created_by TEXT NOT NULL,
		updated_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS loans_import_hash_key ON loans (import_hash)`,
	`CREATE INDEX IF NOT EXISTS loans_item_id_idx ON loans (item_id)`,
	`CREATE INDEX IF NOT EXISTS loans_member_id_idx ON loans (member_id)`,
	`CREATE TABLE IF NOT EXISTS settings (
		tenant_id TEXT PRIMARY KEY,
		loan_period_days INTEGER NOT NULL CHECK (loan_period_days > 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
}

// Migrate creates the tables the store needs. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	statements := append(append([]string(nil), schema...), audit.Schema(s.dialectName))
	for i, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	s.logger.Info("database schema ready", zap.String("driver", s.driver))
	return nil
}
