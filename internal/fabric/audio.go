// Package fabric provides the Redis-stream transport that carries audio from
// the gateway to its parallel consumers, plus the per-session result stream
// and the interim-results pub/sub topic.
//
// The audio stream has a single writer (the gateway) and multiple readers in
// independent consumer groups, so the persistence worker and the streaming
// transcription consumer each see every entry without seeing each other's
// acknowledgements. Delivery is at-least-once; consumers deduplicate by
// chunk id.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vivilabs/vivid/pkg/audio"
)

// Consumer group names for the audio stream. Both groups are created eagerly
// so neither consumer misses entries published before it attached.
const (
	GroupPersist    = "persist"
	GroupTranscribe = "transcribe"
)

// SentinelChunkID marks the end-of-session entry on the audio stream.
const SentinelChunkID = "END"

// disconnectTTL is how long the audio stream survives after the client
// disconnects, giving still-attached consumers time to drain.
const disconnectTTL = 60 * time.Second

// AudioEntry is one element of the audio stream.
type AudioEntry struct {
	// ID is the Redis stream entry id, used for acknowledgement.
	ID string

	SessionID string
	ChunkID   string // zero-padded monotonic, or SentinelChunkID
	UserID    string
	ClientID  string
	Audio     []byte
	Format    audio.Format
}

// Sentinel reports whether the entry is the end-of-session marker.
func (e AudioEntry) Sentinel() bool { return e.ChunkID == SentinelChunkID }

// AudioStream is the per-client ordered PCM transport.
type AudioStream struct {
	rdb redis.UniversalClient
}

// NewAudioStream returns an AudioStream backed by rdb.
func NewAudioStream(rdb redis.UniversalClient) *AudioStream {
	return &AudioStream{rdb: rdb}
}

// AudioKey returns the Redis key of a client's audio stream.
func AudioKey(clientID string) string { return "audio:stream:" + clientID }

// FormatChunkID renders a publish counter as the zero-padded wire form.
func FormatChunkID(n int64) string { return fmt.Sprintf("%05d", n) }

// EnsureGroups creates both consumer groups on the client's stream, creating
// the stream if it does not exist yet. Safe to call repeatedly.
func (a *AudioStream) EnsureGroups(ctx context.Context, clientID string) error {
	key := AudioKey(clientID)
	for _, group := range []string{GroupPersist, GroupTranscribe} {
		err := a.rdb.XGroupCreateMkStream(ctx, key, group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("fabric: create group %s on %s: %w", group, key, err)
		}
	}
	// A new session on a reconnected client must not inherit a pending TTL.
	if err := a.rdb.Persist(ctx, key).Err(); err != nil {
		return fmt.Errorf("fabric: persist %s: %w", key, err)
	}
	return nil
}

// Publish appends one entry to the client's audio stream. A failed append is
// fatal for the session; the gateway surfaces the error and ends it.
func (a *AudioStream) Publish(ctx context.Context, clientID string, e AudioEntry) error {
	values := map[string]any{
		"session_id":   e.SessionID,
		"chunk_id":     e.ChunkID,
		"audio":        e.Audio,
		"sample_rate":  e.Format.SampleRate,
		"channels":     e.Format.Channels,
		"sample_width": e.Format.SampleWidth,
		"user_id":      e.UserID,
		"client_id":    e.ClientID,
	}
	if err := a.rdb.XAdd(ctx, &redis.XAddArgs{Stream: AudioKey(clientID), Values: values}).Err(); err != nil {
		return fmt.Errorf("fabric: publish to %s: %w", AudioKey(clientID), err)
	}
	return nil
}

// PublishSentinel appends the end-of-session marker.
func (a *AudioStream) PublishSentinel(ctx context.Context, clientID, sessionID string) error {
	return a.Publish(ctx, clientID, AudioEntry{
		SessionID: sessionID,
		ChunkID:   SentinelChunkID,
		ClientID:  clientID,
	})
}

// ReadGroup blocks up to block for new entries for the given consumer group
// and acknowledges everything it returns. Returns (nil, nil) on a quiet
// stream. Redelivered entries may repeat chunk ids; callers deduplicate.
func (a *AudioStream) ReadGroup(ctx context.Context, clientID, group, consumer string, count int64, block time.Duration) ([]AudioEntry, error) {
	key := AudioKey(clientID)
	streams, err := a.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{key, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fabric: read group %s on %s: %w", group, key, err)
	}

	var entries []AudioEntry
	var ids []string
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			entries = append(entries, decodeAudioEntry(msg))
			ids = append(ids, msg.ID)
		}
	}
	if len(ids) > 0 {
		if err := a.rdb.XAck(ctx, key, group, ids...).Err(); err != nil {
			return entries, fmt.Errorf("fabric: ack on %s: %w", key, err)
		}
	}
	return entries, nil
}

// Len returns the number of entries currently in the client's audio stream.
func (a *AudioStream) Len(ctx context.Context, clientID string) (int64, error) {
	n, err := a.rdb.XLen(ctx, AudioKey(clientID)).Result()
	if err != nil {
		return 0, fmt.Errorf("fabric: len %s: %w", AudioKey(clientID), err)
	}
	return n, nil
}

// Range returns all entries of the client's audio stream in publication
// order. Used by the transcription fallback to recover audio that never made
// it to the database.
func (a *AudioStream) Range(ctx context.Context, clientID string) ([]AudioEntry, error) {
	msgs, err := a.rdb.XRange(ctx, AudioKey(clientID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("fabric: range %s: %w", AudioKey(clientID), err)
	}
	entries := make([]AudioEntry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, decodeAudioEntry(msg))
	}
	return entries, nil
}

// ExpireOnDisconnect applies the 60 s drain TTL after the client goes away.
func (a *AudioStream) ExpireOnDisconnect(ctx context.Context, clientID string) error {
	if err := a.rdb.Expire(ctx, AudioKey(clientID), disconnectTTL).Err(); err != nil {
		return fmt.Errorf("fabric: expire %s: %w", AudioKey(clientID), err)
	}
	return nil
}

// decodeAudioEntry maps raw stream values onto an AudioEntry. Unparseable
// numeric fields fall back to the default capture format rather than failing
// the whole read.
func decodeAudioEntry(msg redis.XMessage) AudioEntry {
	e := AudioEntry{
		ID:        msg.ID,
		SessionID: str(msg.Values, "session_id"),
		ChunkID:   str(msg.Values, "chunk_id"),
		UserID:    str(msg.Values, "user_id"),
		ClientID:  str(msg.Values, "client_id"),
		Audio:     []byte(str(msg.Values, "audio")),
		Format:    audio.DefaultFormat,
	}
	if v := num(msg.Values, "sample_rate"); v > 0 {
		e.Format.SampleRate = v
	}
	if v := num(msg.Values, "channels"); v > 0 {
		e.Format.Channels = v
	}
	if v := num(msg.Values, "sample_width"); v > 0 {
		e.Format.SampleWidth = v
	}
	return e
}

func str(values map[string]any, key string) string {
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}

func num(values map[string]any, key string) int {
	n, _ := strconv.Atoi(str(values, key))
	return n
}

// isBusyGroup reports whether err is Redis' "group already exists" reply.
func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
