package post

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	enrichmock "github.com/vivilabs/vivid/internal/enrich/mock"
	"github.com/vivilabs/vivid/internal/fabric"
	"github.com/vivilabs/vivid/internal/jobs"
	"github.com/vivilabs/vivid/internal/persist"
	"github.com/vivilabs/vivid/internal/plugins"
	"github.com/vivilabs/vivid/internal/session"
	"github.com/vivilabs/vivid/internal/store"
	speakermock "github.com/vivilabs/vivid/pkg/provider/speaker/mock"
	"github.com/vivilabs/vivid/pkg/provider/stt"
	sttmock "github.com/vivilabs/vivid/pkg/provider/stt/mock"
)

// versionUpdate records one UpdateTranscriptVersion call.
type versionUpdate struct {
	versionID   string
	segments    []stt.Segment
	speakers    []string
	diarization string
}

// fakeConvStore keeps conversations and chunks in memory.
type fakeConvStore struct {
	mu      sync.Mutex
	convs   map[string]*store.Conversation
	chunks  map[string][]store.Chunk
	updates []versionUpdate
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{
		convs:  map[string]*store.Conversation{},
		chunks: map[string][]store.Chunk{},
	}
}

func (f *fakeConvStore) Create(_ context.Context, c *store.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.convs[c.ID] = &cp
	return nil
}

func (f *fakeConvStore) Get(_ context.Context, id string) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeConvStore) SetSummaries(_ context.Context, id, title, summary, detailed string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Title, c.Summary, c.DetailedSummary = title, summary, detailed
	return nil
}

func (f *fakeConvStore) SetProcessingStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	c.ProcessingStatus = status
	return nil
}

func (f *fakeConvStore) SoftDelete(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Deleted = true
	c.ProcessingStatus = reason
	return nil
}

func (f *fakeConvStore) AddTranscriptVersion(_ context.Context, id string, v store.TranscriptVersion, activate bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	c.TranscriptVersions = append(c.TranscriptVersions, v)
	if activate {
		c.ActiveVersionID = v.ID
	}
	return nil
}

func (f *fakeConvStore) UpdateTranscriptVersion(_ context.Context, id, versionID string, segments []stt.Segment, speakers []string, diarization string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	for i := range c.TranscriptVersions {
		if c.TranscriptVersions[i].ID == versionID {
			c.TranscriptVersions[i].Segments = segments
			c.TranscriptVersions[i].Speakers = speakers
			c.TranscriptVersions[i].DiarizationSource = diarization
			f.updates = append(f.updates, versionUpdate{versionID: versionID, segments: segments, speakers: speakers, diarization: diarization})
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeConvStore) ChunksFor(_ context.Context, conversationID string) ([]store.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunks[conversationID], nil
}

// fakeDispatcher records dispatched plugin events.
type fakeDispatcher struct {
	mu     sync.Mutex
	events []string
	datas  []map[string]any
}

func (f *fakeDispatcher) Dispatch(_ context.Context, event, _ string, data, _ map[string]any) []plugins.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	f.datas = append(f.datas, data)
	return nil
}

type chainFixture struct {
	rdb        *redis.Client
	sessions   *session.Store
	stream     *fabric.AudioStream
	queue      *jobs.Client
	convs      *fakeConvStore
	batch      *sttmock.Batch
	identifier *speakermock.Client
	extractor  *enrichmock.Extractor
	summarizer *enrichmock.Summarizer
	dispatcher *fakeDispatcher
	chain      *Chain
}

func newChainFixture(t *testing.T, opts ...Option) *chainFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &chainFixture{
		rdb:        rdb,
		sessions:   session.NewStore(rdb),
		stream:     fabric.NewAudioStream(rdb),
		queue:      jobs.NewClient(rdb),
		convs:      newFakeConvStore(),
		batch:      &sttmock.Batch{},
		identifier: &speakermock.Client{},
		extractor:  &enrichmock.Extractor{},
		summarizer: &enrichmock.Summarizer{},
		dispatcher: &fakeDispatcher{},
	}
	opts = append([]Option{
		WithIdentifier(f.identifier),
		WithEnrichment(f.extractor, f.summarizer),
		WithDispatcher(f.dispatcher),
		WithPoll(10*time.Millisecond, 2*time.Second),
	}, opts...)
	f.chain = NewChain(f.sessions, f.convs, f.stream, f.queue, f.batch, opts...)
	return f
}

// seedConversation stores a conversation with one active streaming version.
func (f *chainFixture) seedConversation(t *testing.T, cid, text string, words []stt.Word) *store.Conversation {
	t.Helper()
	conv := &store.Conversation{
		ID:              cid,
		UserID:          "mary",
		ClientID:        "client-1",
		Title:           "Recording…",
		ActiveVersionID: "streaming_" + cid,
		TranscriptVersions: []store.TranscriptVersion{{
			ID:       "streaming_" + cid,
			Provider: "mock",
			Text:     text,
			Words:    words,
		}},
		ProcessingStatus: store.StatusProcessing,
	}
	if err := f.convs.Create(context.Background(), conv); err != nil {
		t.Fatalf("create: %v", err)
	}
	return conv
}

// seedChunks encodes n seconds of silence into stored chunks.
func (f *chainFixture) seedChunks(t *testing.T, cid string, seconds int) {
	t.Helper()
	chunker, err := persist.NewChunker(1)
	if err != nil {
		t.Fatalf("chunker: %v", err)
	}
	pcm := make([]byte, seconds*32000) // 16 kHz mono s16le
	chunks, err := chunker.Add(pcm, storageFormat)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := range chunks {
		chunks[i].ConversationID = cid
	}
	f.convs.chunks[cid] = chunks
}

func (f *chainFixture) enqueue(t *testing.T, id, handler string, args ...string) *jobs.Job {
	t.Helper()
	job, err := f.queue.Enqueue(context.Background(), jobs.Opts{
		JobID:   id,
		Handler: handler,
		Args:    args,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}
