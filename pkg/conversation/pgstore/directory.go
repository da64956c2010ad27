package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlDirectory = `
CREATE TABLE IF NOT EXISTS clients (
    client_id TEXT PRIMARY KEY,
    user_id   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS primary_speakers (
    user_id TEXT NOT NULL,
    name    TEXT NOT NULL,
    PRIMARY KEY (user_id, name)
);
`

// MigrateDirectory creates the client-to-user and primary-speaker tables a
// [Directory] reads, alongside the conversation tables [Migrate] creates.
func MigrateDirectory(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlDirectory); err != nil {
		return fmt.Errorf("pgstore migrate directory: %w", err)
	}
	return nil
}

// Directory is the Postgres-backed implementation of pkg/jobs.Directory and
// pkg/streamingasr.UserDirectory — the one concrete adapter DESIGN.md
// anticipated for those two structurally-compatible narrow interfaces, kept
// in the conversation store's own package since it shares the same pool and
// migration lifecycle rather than warranting a separate service.
type Directory struct {
	pool *pgxpool.Pool
}

// NewDirectory wraps an already-migrated pool. Callers typically share the
// pool backing a [Store] opened via [NewStore] against the same DSN, rather
// than opening a second connection pool.
func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

// UserForClient resolves a device/client id to its owning user id.
func (d *Directory) UserForClient(ctx context.Context, clientID string) (string, error) {
	var userID string
	err := d.pool.QueryRow(ctx, `SELECT user_id FROM clients WHERE client_id = $1`, clientID).Scan(&userID)
	if err == pgx.ErrNoRows {
		return "", fmt.Errorf("pgstore: no user registered for client %q", clientID)
	}
	if err != nil {
		return "", fmt.Errorf("pgstore: user for client: %w", err)
	}
	return userID, nil
}

// PrimarySpeakers returns the enrolled primary-speaker names for userID, used
// by the memory-extraction handler's primary-speaker filter.
func (d *Directory) PrimarySpeakers(ctx context.Context, userID string) ([]string, error) {
	rows, err := d.pool.Query(ctx, `SELECT name FROM primary_speakers WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: primary speakers: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("pgstore: scan primary speaker: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
