package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chronicle-systems/chronicle/pkg/conversation"
)

// Compile-time interface check.
var _ conversation.Store = (*Store)(nil)

// Store is the PostgreSQL-backed implementation of [conversation.Store]. It
// holds a single [pgxpool.Pool]; all operations are safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a connection pool to dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool returns the connection pool backing this Store, so a [Directory] can
// share it instead of opening a second pool against the same DSN.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Create(ctx context.Context, conv conversation.Conversation) error {
	transcripts, err := json.Marshal(conv.TranscriptVersions)
	if err != nil {
		return fmt.Errorf("pgstore: marshal transcript versions: %w", err)
	}
	memories, err := json.Marshal(conv.MemoryVersions)
	if err != nil {
		return fmt.Errorf("pgstore: marshal memory versions: %w", err)
	}

	var extID, extType *string
	if conv.External != nil {
		extID, extType = &conv.External.SourceID, &conv.External.SourceType
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversations (
			conversation_id, user_id, client_id, created_at, processing_status,
			transcript_versions, memory_versions, external_source_id, external_source_type
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, conv.ConversationID, conv.UserID, conv.ClientID, conv.CreatedAt, string(conv.ProcessingStatus),
		transcripts, memories, extID, extType)
	if err != nil {
		return fmt.Errorf("pgstore: create conversation %q: %w", conv.ConversationID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, conversationID string) (conversation.Conversation, error) {
	return s.getTx(ctx, s.pool, conversationID)
}

// queryRower is satisfied by both *pgxpool.Pool and pgx.Tx, letting getTx
// run inside or outside a transaction.
type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) getTx(ctx context.Context, q queryRower, conversationID string) (conversation.Conversation, error) {
	row := q.QueryRow(ctx, `
		SELECT conversation_id, user_id, client_id, audio_chunks_count, audio_total_duration,
		       audio_compression_ratio, created_at, completed_at, end_reason, deleted,
		       deletion_reason, deleted_at, processing_status, title, summary, detailed_summary,
		       transcript_versions, memory_versions, active_transcript_version, active_memory_version,
		       external_source_id, external_source_type
		FROM conversations WHERE conversation_id = $1
	`, conversationID)

	var (
		conv                          conversation.Conversation
		transcripts, memories         []byte
		extID, extType                *string
		endReason, processingStatus   string
	)
	err := row.Scan(
		&conv.ConversationID, &conv.UserID, &conv.ClientID, &conv.AudioChunksCount, &conv.AudioTotalDuration,
		&conv.AudioCompressionRatio, &conv.CreatedAt, &conv.CompletedAt, &endReason, &conv.Deleted,
		&conv.DeletionReason, &conv.DeletedAt, &processingStatus, &conv.Title, &conv.Summary, &conv.DetailedSummary,
		&transcripts, &memories, &conv.ActiveTranscriptVersion, &conv.ActiveMemoryVersion,
		&extID, &extType,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("pgstore: get conversation %q: %w", conversationID, err)
	}

	conv.EndReason = conversation.EndReason(endReason)
	conv.ProcessingStatus = conversation.ProcessingStatus(processingStatus)
	if extID != nil && extType != nil {
		conv.External = &conversation.ExternalSource{SourceID: *extID, SourceType: *extType}
	}
	if err := json.Unmarshal(transcripts, &conv.TranscriptVersions); err != nil {
		return conversation.Conversation{}, fmt.Errorf("pgstore: decode transcript versions: %w", err)
	}
	if err := json.Unmarshal(memories, &conv.MemoryVersions); err != nil {
		return conversation.Conversation{}, fmt.Errorf("pgstore: decode memory versions: %w", err)
	}
	return conv, nil
}

// withConversation runs fn inside a transaction, passing the current
// conversation row so fn can validate invariants before mutating it, then
// persists the returned conversation.
func (s *Store) withConversation(ctx context.Context, conversationID string, fn func(conv conversation.Conversation) (conversation.Conversation, error)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	conv, err := s.getTx(ctx, tx, conversationID)
	if err != nil {
		return err
	}

	updated, err := fn(conv)
	if err != nil {
		return err
	}

	transcripts, err := json.Marshal(updated.TranscriptVersions)
	if err != nil {
		return fmt.Errorf("pgstore: marshal transcript versions: %w", err)
	}
	memories, err := json.Marshal(updated.MemoryVersions)
	if err != nil {
		return fmt.Errorf("pgstore: marshal memory versions: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE conversations SET
			transcript_versions = $2, memory_versions = $3,
			active_transcript_version = $4, active_memory_version = $5,
			title = $6, summary = $7, detailed_summary = $8,
			processing_status = $9, deleted = $10, deletion_reason = $11, deleted_at = $12,
			completed_at = $13, end_reason = $14
		WHERE conversation_id = $1
	`, conversationID, transcripts, memories, updated.ActiveTranscriptVersion, updated.ActiveMemoryVersion,
		updated.Title, updated.Summary, updated.DetailedSummary,
		string(updated.ProcessingStatus), updated.Deleted, updated.DeletionReason, updated.DeletedAt,
		updated.CompletedAt, string(updated.EndReason))
	if err != nil {
		return fmt.Errorf("pgstore: update conversation %q: %w", conversationID, err)
	}

	return tx.Commit(ctx)
}

func (s *Store) AppendTranscriptVersion(ctx context.Context, conversationID string, version conversation.TranscriptVersion) error {
	return s.withConversation(ctx, conversationID, func(conv conversation.Conversation) (conversation.Conversation, error) {
		conv.TranscriptVersions = append(conv.TranscriptVersions, version)
		return conv, nil
	})
}

func (s *Store) AppendMemoryVersion(ctx context.Context, conversationID string, version conversation.MemoryVersion) error {
	return s.withConversation(ctx, conversationID, func(conv conversation.Conversation) (conversation.Conversation, error) {
		if err := conversation.ValidateAppendMemoryVersion(conv, version); err != nil {
			return conversation.Conversation{}, err
		}
		conv.MemoryVersions = append(conv.MemoryVersions, version)
		return conv, nil
	})
}

func (s *Store) SetActiveTranscriptVersion(ctx context.Context, conversationID, versionID string) error {
	return s.withConversation(ctx, conversationID, func(conv conversation.Conversation) (conversation.Conversation, error) {
		if err := conversation.ValidateActivateTranscriptVersion(conv, versionID); err != nil {
			return conversation.Conversation{}, err
		}
		conv.ActiveTranscriptVersion = versionID
		return conv, nil
	})
}

func (s *Store) SetActiveMemoryVersion(ctx context.Context, conversationID, versionID string) error {
	return s.withConversation(ctx, conversationID, func(conv conversation.Conversation) (conversation.Conversation, error) {
		if err := conversation.ValidateActivateMemoryVersion(conv, versionID); err != nil {
			return conversation.Conversation{}, err
		}
		conv.ActiveMemoryVersion = versionID
		return conv, nil
	})
}

func (s *Store) SetTitleSummary(ctx context.Context, conversationID, title, summary, detailedSummary string) error {
	return s.withConversation(ctx, conversationID, func(conv conversation.Conversation) (conversation.Conversation, error) {
		conv.Title, conv.Summary, conv.DetailedSummary = title, summary, detailedSummary
		return conv, nil
	})
}

func (s *Store) SetProcessingStatus(ctx context.Context, conversationID string, status conversation.ProcessingStatus) error {
	return s.withConversation(ctx, conversationID, func(conv conversation.Conversation) (conversation.Conversation, error) {
		conv.ProcessingStatus = status
		return conv, nil
	})
}

func (s *Store) Complete(ctx context.Context, conversationID string, reason conversation.EndReason) error {
	return s.withConversation(ctx, conversationID, func(conv conversation.Conversation) (conversation.Conversation, error) {
		now := time.Now().UTC()
		conv.CompletedAt = &now
		conv.EndReason = reason
		return conv, nil
	})
}

func (s *Store) SoftDelete(ctx context.Context, conversationID, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE conversations SET deleted = true, deletion_reason = $2, deleted_at = $3
		WHERE conversation_id = $1
	`, conversationID, reason, now); err != nil {
		return fmt.Errorf("pgstore: soft delete conversation %q: %w", conversationID, err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE audio_chunks SET deleted = true WHERE conversation_id = $1
	`, conversationID); err != nil {
		return fmt.Errorf("pgstore: soft delete chunks of %q: %w", conversationID, err)
	}
	return tx.Commit(ctx)
}

func (s *Store) Restore(ctx context.Context, conversationID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE conversations SET deleted = false, deletion_reason = '', deleted_at = NULL
		WHERE conversation_id = $1
	`, conversationID); err != nil {
		return fmt.Errorf("pgstore: restore conversation %q: %w", conversationID, err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE audio_chunks SET deleted = false WHERE conversation_id = $1
	`, conversationID); err != nil {
		return fmt.Errorf("pgstore: restore chunks of %q: %w", conversationID, err)
	}
	return tx.Commit(ctx)
}

func (s *Store) HardDelete(ctx context.Context, conversationID string) error {
	// audio_chunks cascades via its REFERENCES ... ON DELETE CASCADE.
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("pgstore: hard delete conversation %q: %w", conversationID, err)
	}
	return nil
}

func (s *Store) AppendAudioChunk(ctx context.Context, conversationID string, chunk conversation.AudioChunk) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audio_chunks (
			conversation_id, chunk_index, start_time, end_time, duration,
			sample_rate, channels, compressed_size, original_size, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (conversation_id, chunk_index) DO NOTHING
	`, conversationID, chunk.ChunkIndex, chunk.StartTime, chunk.EndTime, chunk.Duration,
		chunk.SampleRate, chunk.Channels, chunk.CompressedSize, chunk.OriginalSize, chunk.CreatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: append audio chunk %d of %q: %w", chunk.ChunkIndex, conversationID, err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE conversations SET
			audio_chunks_count = audio_chunks_count + 1,
			audio_total_duration = audio_total_duration + $2
		WHERE conversation_id = $1
	`, conversationID, chunk.Duration)
	if err != nil {
		return fmt.Errorf("pgstore: update audio totals for %q: %w", conversationID, err)
	}
	return nil
}

func (s *Store) ListAudioChunks(ctx context.Context, conversationID string, includeDeleted bool) ([]conversation.AudioChunk, error) {
	query := `
		SELECT conversation_id, chunk_index, start_time, end_time, duration,
		       sample_rate, channels, compressed_size, original_size, deleted, created_at
		FROM audio_chunks WHERE conversation_id = $1
	`
	if !includeDeleted {
		query += ` AND deleted = false`
	}
	query += ` ORDER BY chunk_index`

	rows, err := s.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list audio chunks of %q: %w", conversationID, err)
	}
	defer rows.Close()

	var chunks []conversation.AudioChunk
	for rows.Next() {
		var c conversation.AudioChunk
		if err := rows.Scan(
			&c.ConversationID, &c.ChunkIndex, &c.StartTime, &c.EndTime, &c.Duration,
			&c.SampleRate, &c.Channels, &c.CompressedSize, &c.OriginalSize, &c.Deleted, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("pgstore: scan audio chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate audio chunks of %q: %w", conversationID, err)
	}
	return chunks, nil
}

func (s *Store) FindByExternalSource(ctx context.Context, source conversation.ExternalSource) (conversation.Conversation, error) {
	var conversationID string
	err := s.pool.QueryRow(ctx, `
		SELECT conversation_id FROM conversations
		WHERE external_source_id = $1 AND external_source_type = $2
	`, source.SourceID, source.SourceType).Scan(&conversationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("pgstore: find by external source: %w", err)
	}
	return s.Get(ctx, conversationID)
}
