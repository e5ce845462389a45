package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — conversations
// ─────────────────────────────────────────────────────────────────────────────

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id                            UUID         PRIMARY KEY,
    user_id                       TEXT         NOT NULL,
    client_id                     TEXT         NOT NULL,
    title                         TEXT         NOT NULL DEFAULT '',
    summary                       TEXT         NOT NULL DEFAULT '',
    detailed_summary              TEXT         NOT NULL DEFAULT '',
    transcript_versions           JSONB        NOT NULL DEFAULT '[]',
    active_transcript_version_id  TEXT         NOT NULL DEFAULT '',
    audio_chunks_count            INTEGER      NOT NULL DEFAULT 0,
    audio_total_duration          DOUBLE PRECISION NOT NULL DEFAULT 0,
    processing_status             TEXT         NOT NULL DEFAULT 'pending',
    always_persist                BOOLEAN      NOT NULL DEFAULT FALSE,
    end_reason                    TEXT         NOT NULL DEFAULT '',
    completed_at                  TIMESTAMPTZ,
    markers                       JSONB        NOT NULL DEFAULT '[]',
    deleted                       BOOLEAN      NOT NULL DEFAULT FALSE,
    deleted_at                    TIMESTAMPTZ,
    starred                       BOOLEAN      NOT NULL DEFAULT FALSE,
    created_at                    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_user_id
    ON conversations (user_id);

CREATE INDEX IF NOT EXISTS idx_conversations_client_id
    ON conversations (client_id);

CREATE INDEX IF NOT EXISTS idx_conversations_created_at
    ON conversations (created_at);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — audio chunks
// ─────────────────────────────────────────────────────────────────────────────

const ddlAudioChunks = `
CREATE TABLE IF NOT EXISTS audio_chunks (
    id               BIGSERIAL    PRIMARY KEY,
    conversation_id  UUID         NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    chunk_index      INTEGER      NOT NULL,
    start_time       DOUBLE PRECISION NOT NULL,
    end_time         DOUBLE PRECISION NOT NULL,
    duration         DOUBLE PRECISION NOT NULL,
    sample_rate      INTEGER      NOT NULL,
    channels         INTEGER      NOT NULL,
    sample_width     INTEGER      NOT NULL,
    audio            BYTEA        NOT NULL,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (conversation_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_audio_chunks_conversation
    ON audio_chunks (conversation_id, chunk_index);
`

// EnsureSchema creates the required tables and indexes. It is idempotent
// (CREATE TABLE IF NOT EXISTS) and safe to call on every application start.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlConversations, ddlAudioChunks} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
