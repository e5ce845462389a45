package fabric

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vivilabs/vivid/pkg/provider/stt"
)

// ResultStream is the per-session transcription result log. Written only by
// the streaming transcription consumer (and the batch re-transcription job),
// read by speech detection and the conversation monitor.
type ResultStream struct {
	rdb redis.UniversalClient
}

// NewResultStream returns a ResultStream backed by rdb.
func NewResultStream(rdb redis.UniversalClient) *ResultStream {
	return &ResultStream{rdb: rdb}
}

// ResultsKey returns the Redis key of a session's result stream.
func ResultsKey(sessionID string) string { return "transcription:results:" + sessionID }

// Append adds one transcription result to the session's result stream.
func (r *ResultStream) Append(ctx context.Context, sessionID string, res stt.Result) error {
	words, err := json.Marshal(res.Words)
	if err != nil {
		return fmt.Errorf("fabric: marshal words: %w", err)
	}
	segments, err := json.Marshal(res.Segments)
	if err != nil {
		return fmt.Errorf("fabric: marshal segments: %w", err)
	}
	values := map[string]any{
		"chunk_index": res.ChunkIndex,
		"text":        res.Text,
		"words":       string(words),
		"segments":    string(segments),
		"provider":    res.Provider,
		"is_final":    res.IsFinal,
	}
	if err := r.rdb.XAdd(ctx, &redis.XAddArgs{Stream: ResultsKey(sessionID), Values: values}).Err(); err != nil {
		return fmt.Errorf("fabric: append result for %s: %w", sessionID, err)
	}
	return nil
}

// All returns every result in publication order.
func (r *ResultStream) All(ctx context.Context, sessionID string) ([]stt.Result, error) {
	msgs, err := r.rdb.XRange(ctx, ResultsKey(sessionID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("fabric: range results for %s: %w", sessionID, err)
	}
	results := make([]stt.Result, 0, len(msgs))
	for _, msg := range msgs {
		results = append(results, decodeResult(msg))
	}
	return results, nil
}

// Delete removes the session's result stream. Called by the monitor at end
// of conversation; the audio stream is left alone because it belongs to the
// client, not the conversation.
func (r *ResultStream) Delete(ctx context.Context, sessionID string) error {
	if err := r.rdb.Del(ctx, ResultsKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("fabric: delete results for %s: %w", sessionID, err)
	}
	return nil
}

func decodeResult(msg redis.XMessage) stt.Result {
	res := stt.Result{
		ChunkIndex: num(msg.Values, "chunk_index"),
		Text:       str(msg.Values, "text"),
		Provider:   str(msg.Values, "provider"),
		IsFinal:    str(msg.Values, "is_final") == "1" || str(msg.Values, "is_final") == "true",
	}
	_ = json.Unmarshal([]byte(str(msg.Values, "words")), &res.Words)
	_ = json.Unmarshal([]byte(str(msg.Values, "segments")), &res.Segments)
	return res
}
