// Package pgstore provides a PostgreSQL-backed implementation of
// [conversation.Store]. Transcript and memory version lists are stored as
// JSONB columns rather than normalized into child tables: versions are
// appended wholesale and never queried independently of their parent
// conversation, so JSONB keeps the common read path (fetch one
// conversation, read its active versions) to a single row lookup.
package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    conversation_id           TEXT         PRIMARY KEY,
    user_id                   TEXT         NOT NULL,
    client_id                 TEXT         NOT NULL DEFAULT '',
    audio_chunks_count        INTEGER      NOT NULL DEFAULT 0,
    audio_total_duration      DOUBLE PRECISION NOT NULL DEFAULT 0,
    audio_compression_ratio   DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at                TIMESTAMPTZ  NOT NULL DEFAULT now(),
    completed_at              TIMESTAMPTZ,
    end_reason                TEXT         NOT NULL DEFAULT '',
    deleted                   BOOLEAN      NOT NULL DEFAULT false,
    deletion_reason           TEXT         NOT NULL DEFAULT '',
    deleted_at                TIMESTAMPTZ,
    processing_status         TEXT         NOT NULL DEFAULT 'pending',
    title                     TEXT         NOT NULL DEFAULT '',
    summary                   TEXT         NOT NULL DEFAULT '',
    detailed_summary          TEXT         NOT NULL DEFAULT '',
    transcript_versions       JSONB        NOT NULL DEFAULT '[]',
    memory_versions           JSONB        NOT NULL DEFAULT '[]',
    active_transcript_version TEXT         NOT NULL DEFAULT '',
    active_memory_version     TEXT         NOT NULL DEFAULT '',
    external_source_id        TEXT,
    external_source_type      TEXT
);

CREATE INDEX IF NOT EXISTS idx_conversations_user_deleted_created
    ON conversations (user_id, deleted, created_at DESC);

CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_external_source
    ON conversations (external_source_id, external_source_type)
    WHERE external_source_id IS NOT NULL;
`

const ddlAudioChunks = `
CREATE TABLE IF NOT EXISTS audio_chunks (
    conversation_id   TEXT    NOT NULL REFERENCES conversations (conversation_id) ON DELETE CASCADE,
    chunk_index       INTEGER NOT NULL,
    start_time        DOUBLE PRECISION NOT NULL,
    end_time          DOUBLE PRECISION NOT NULL,
    duration          DOUBLE PRECISION NOT NULL,
    sample_rate       INTEGER NOT NULL,
    channels          INTEGER NOT NULL,
    compressed_size   INTEGER NOT NULL,
    original_size     INTEGER NOT NULL,
    deleted           BOOLEAN NOT NULL DEFAULT false,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (conversation_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_audio_chunks_conversation
    ON audio_chunks (conversation_id);
`

// Migrate creates the conversations and audio_chunks tables if they do not
// already exist. Idempotent; safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlConversations, ddlAudioChunks} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgstore migrate: %w", err)
		}
	}
	return nil
}
