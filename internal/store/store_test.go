package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vivilabs/vivid/internal/store"
	"github.com/vivilabs/vivid/pkg/provider/stt"
)

// testStore returns a Store against the database named by
// VIVID_TEST_POSTGRES_DSN, or skips the test when unset.
func testStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("VIVID_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VIVID_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, stmt := range []string{"DROP TABLE IF EXISTS audio_chunks", "DROP TABLE IF EXISTS conversations"} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop: %v", err)
		}
	}

	s, err := store.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestActiveTranscript(t *testing.T) {
	t.Parallel()
	c := &store.Conversation{
		ActiveVersionID: "batch_ab12cd34",
		TranscriptVersions: []store.TranscriptVersion{
			{ID: "streaming_ab12cd34", Text: "first pass"},
			{ID: "batch_ab12cd34", Text: "refined pass"},
		},
	}
	v := c.ActiveTranscript()
	if v == nil || v.Text != "refined pass" {
		t.Errorf("ActiveTranscript = %+v", v)
	}

	c.ActiveVersionID = "missing"
	if got := c.ActiveTranscript(); got != nil {
		t.Errorf("expected nil for dangling pointer, got %+v", got)
	}
}

func TestConversationRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	err := s.Create(ctx, &store.Conversation{
		ID:       id,
		UserID:   "mary",
		ClientID: "mary-watch",
		Title:    "Recording…",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.AddTranscriptVersion(ctx, id, store.TranscriptVersion{
		ID:                "streaming_" + id[:8],
		Provider:          "deepgram",
		Text:              "hello there",
		Words:             []stt.Word{{Word: "hello", Start: 0, End: 0.4}, {Word: "there", Start: 0.4, End: 0.8}},
		Segments:          []stt.Segment{{Start: 0, End: 0.8, Text: "hello there", Speaker: "Speaker 0", Type: "speech"}},
		DiarizationSource: store.DiarizedByProvider,
		Metadata:          map[string]any{"source": "streaming", "word_count": 2},
	}, true); err != nil {
		t.Fatalf("AddTranscriptVersion: %v", err)
	}
	if err := s.SetSummaries(ctx, id, "Greeting", "A short greeting.", "Someone said hello."); err != nil {
		t.Fatalf("SetSummaries: %v", err)
	}
	if err := s.SetEndReason(ctx, id, "user_stopped", time.Now().UTC()); err != nil {
		t.Fatalf("SetEndReason: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "Greeting" || got.EndReason != "user_stopped" {
		t.Errorf("conversation = %+v", got)
	}
	v := got.ActiveTranscript()
	if v == nil || v.Text != "hello there" || len(v.Words) != 2 {
		t.Errorf("active version = %+v", v)
	}
	if v.DiarizationSource != store.DiarizedByProvider {
		t.Errorf("diarization source = %q", v.DiarizationSource)
	}
	if v.Metadata["source"] != "streaming" {
		t.Errorf("metadata = %v", v.Metadata)
	}

	speakers := []string{"Mary"}
	relabel := []stt.Segment{{Start: 0, End: 0.8, Text: "hello there", Speaker: "Mary", Type: "speech"}}
	if err := s.UpdateTranscriptVersion(ctx, id, v.ID, relabel, speakers, store.DiarizedBySpeaker); err != nil {
		t.Fatalf("UpdateTranscriptVersion: %v", err)
	}
	got, err = s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	v = got.ActiveTranscript()
	if v == nil || v.DiarizationSource != store.DiarizedBySpeaker {
		t.Errorf("relabelled version = %+v", v)
	}
	if len(v.Speakers) != 1 || v.Speakers[0] != "Mary" || v.Segments[0].Speaker != "Mary" {
		t.Errorf("relabelled speakers = %v, segments = %+v", v.Speakers, v.Segments)
	}
}

func TestGetMissingConversation(t *testing.T) {
	s := testStore(t)
	if _, err := s.Get(context.Background(), uuid.NewString()); err != store.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestInsertChunkIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	if err := s.Create(ctx, &store.Conversation{ID: id, UserID: "u", ClientID: "c"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	chunk := store.Chunk{
		ConversationID: id,
		ChunkIndex:     0,
		StartTime:      0,
		EndTime:        60,
		Duration:       60,
		SampleRate:     16000,
		Channels:       1,
		SampleWidth:    2,
		Audio:          []byte{0x01, 0x02},
	}
	if err := s.InsertChunk(ctx, chunk); err != nil {
		t.Fatalf("InsertChunk: %v", err)
	}
	// Redelivered stream entry.
	if err := s.InsertChunk(ctx, chunk); err != nil {
		t.Fatalf("InsertChunk replay: %v", err)
	}

	n, err := s.ChunkCount(ctx, id)
	if err != nil {
		t.Fatalf("ChunkCount: %v", err)
	}
	if n != 1 {
		t.Errorf("chunk count = %d, want 1", n)
	}
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AudioChunksCount != 1 || got.AudioTotalDuration != 60 {
		t.Errorf("counters = %d / %.0f", got.AudioChunksCount, got.AudioTotalDuration)
	}
}

func TestSoftDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	if err := s.Create(ctx, &store.Conversation{ID: id, UserID: "u", ClientID: "c"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.SoftDelete(ctx, id, store.DeleteNoSpeech); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Deleted || got.DeletedAt == nil || got.ProcessingStatus != store.DeleteNoSpeech {
		t.Errorf("conversation = %+v", got)
	}
}
