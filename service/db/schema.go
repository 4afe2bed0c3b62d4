package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema holds the export_jobs table definition. The statements are
// idempotent so EnsureSchema can run on every startup.
const schema = `
CREATE TABLE IF NOT EXISTS export_jobs (
	id            TEXT PRIMARY KEY,
	wallet        TEXT NOT NULL,
	window_start  TIMESTAMPTZ NOT NULL,
	window_end    TIMESTAMPTZ NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	pages         INTEGER NOT NULL DEFAULT 0,
	raw_records   INTEGER NOT NULL DEFAULT 0,
	rows_emitted  INTEGER NOT NULL DEFAULT 0,
	capped        BOOLEAN NOT NULL DEFAULT FALSE,
	truncated     BOOLEAN NOT NULL DEFAULT FALSE,
	error_kind    TEXT,
	artifact_path TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_export_jobs_wallet ON export_jobs (wallet, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_export_jobs_status ON export_jobs (status);
`

// EnsureSchema creates the export_jobs table and indexes if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
