package cockroach

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id UUID PRIMARY KEY,
		username STRING NOT NULL,
		display_name STRING NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS calls (
		call_id UUID PRIMARY KEY,
		room_id STRING NOT NULL UNIQUE,
		caller_id UUID NOT NULL,
		receiver_id UUID NOT NULL,
		status STRING NOT NULL,
		offer_sdp STRING NOT NULL DEFAULT '',
		answer_sdp STRING NOT NULL DEFAULT '',
		answered_by STRING NOT NULL DEFAULT '',
		end_reason STRING NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		answered_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		duration_seconds INT NOT NULL DEFAULT 0,
		CONSTRAINT calls_status_check CHECK (status IN ('ringing', 'active', 'ended', 'rejected', 'cancelled', 'missed'))
	)`,
	`CREATE INDEX IF NOT EXISTS calls_receiver_status_idx ON calls (receiver_id, status, created_at DESC)`,
}

// EnsureSchema creates the tables the call service reads and writes
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
