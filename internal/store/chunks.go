package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Chunk is one stored audio segment of a conversation. Audio is Opus packets
// in the length-prefixed storage framing produced by the persistence worker.
type Chunk struct {
	ConversationID string
	ChunkIndex     int
	StartTime      float64
	EndTime        float64
	Duration       float64
	SampleRate     int
	Channels       int
	SampleWidth    int
	Audio          []byte
}

// InsertChunk stores one chunk and bumps the conversation's chunk counters in
// the same transaction. Replaying the same (conversation, index) pair is a
// no-op, which makes at-least-once stream delivery safe.
func (s *Store) InsertChunk(ctx context.Context, c Chunk) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("store: begin insert chunk: %w", err)
	}
	defer tx.Rollback(ctx)

	const insert = `
		INSERT INTO audio_chunks
		    (conversation_id, chunk_index, start_time, end_time, duration,
		     sample_rate, channels, sample_width, audio)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (conversation_id, chunk_index) DO NOTHING`
	tag, err := tx.Exec(ctx, insert,
		c.ConversationID, c.ChunkIndex, c.StartTime, c.EndTime, c.Duration,
		c.SampleRate, c.Channels, c.SampleWidth, c.Audio,
	)
	if err != nil {
		return fmt.Errorf("store: insert chunk %d for %s: %w", c.ChunkIndex, c.ConversationID, err)
	}
	if tag.RowsAffected() > 0 {
		const bump = `
			UPDATE conversations
			SET audio_chunks_count = audio_chunks_count + 1,
			    audio_total_duration = audio_total_duration + $2
			WHERE id = $1`
		if _, err := tx.Exec(ctx, bump, c.ConversationID, c.Duration); err != nil {
			return fmt.Errorf("store: bump chunk counters for %s: %w", c.ConversationID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit insert chunk: %w", err)
	}
	return nil
}

// ChunkCount returns the number of stored chunks for a conversation.
func (s *Store) ChunkCount(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM audio_chunks WHERE conversation_id = $1",
		conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: chunk count for %s: %w", conversationID, err)
	}
	return n, nil
}

// ChunksFor returns all chunks of a conversation ordered by chunk index,
// ready for WAV reconstruction.
func (s *Store) ChunksFor(ctx context.Context, conversationID string) ([]Chunk, error) {
	const q = `
		SELECT conversation_id, chunk_index, start_time, end_time, duration,
		       sample_rate, channels, sample_width, audio
		FROM   audio_chunks
		WHERE  conversation_id = $1
		ORDER  BY chunk_index`
	rows, err := s.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: chunks for %s: %w", conversationID, err)
	}
	chunks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Chunk, error) {
		var c Chunk
		err := row.Scan(
			&c.ConversationID, &c.ChunkIndex, &c.StartTime, &c.EndTime, &c.Duration,
			&c.SampleRate, &c.Channels, &c.SampleWidth, &c.Audio,
		)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan chunks for %s: %w", conversationID, err)
	}
	return chunks, nil
}
