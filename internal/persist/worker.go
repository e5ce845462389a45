package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vivilabs/vivid/internal/fabric"
	"github.com/vivilabs/vivid/internal/jobs"
	"github.com/vivilabs/vivid/internal/observe"
	"github.com/vivilabs/vivid/internal/session"
	"github.com/vivilabs/vivid/internal/store"
)

// HandlerName is the queue handler name for the persistence loop.
const HandlerName = "audio_persist"

// JobID returns the deterministic job id for a session's persistence loop.
func JobID(sessionID string) string { return "persist_" + sessionID }

// rotationTTL bounds how long a rotation key outlives its writer.
const rotationTTL = 24 * time.Hour

// ChunkStore is the slice of conversation storage the worker needs.
type ChunkStore interface {
	Create(ctx context.Context, c *store.Conversation) error
	InsertChunk(ctx context.Context, c store.Chunk) error
}

// Worker drains a client's audio stream through the persist consumer group
// and writes Opus chunks to storage. One Worker handles one job invocation;
// construct it once and register Handle on the queue.
type Worker struct {
	sessions *session.Store
	stream   *fabric.AudioStream
	chunks   ChunkStore
	queue    *jobs.Client
	metrics  *observe.Metrics
	log      *slog.Logger

	chunkSeconds int
	pollBlock    time.Duration
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithChunkSeconds sets the stored chunk duration. Default 60.
func WithChunkSeconds(s int) WorkerOption {
	return func(w *Worker) {
		if s > 0 {
			w.chunkSeconds = s
		}
	}
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(log *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if log != nil {
			w.log = log
		}
	}
}

// NewWorker returns a persistence worker.
func NewWorker(sessions *session.Store, stream *fabric.AudioStream, chunks ChunkStore, queue *jobs.Client, metrics *observe.Metrics, opts ...WorkerOption) *Worker {
	w := &Worker{
		sessions:     sessions,
		stream:       stream,
		chunks:       chunks,
		queue:        queue,
		metrics:      metrics,
		log:          slog.Default(),
		chunkSeconds: 60,
		pollBlock:    2 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle is the queue handler. Args: session id, client id.
func (w *Worker) Handle(ctx context.Context, job *jobs.Job) error {
	sessionID, clientID := job.Arg(0), job.Arg(1)
	if sessionID == "" || clientID == "" {
		return errors.New("persist: job needs session and client args")
	}
	log := w.log.With("session_id", sessionID, "client_id", clientID, "job_id", job.ID)

	chunker, err := NewChunker(w.chunkSeconds)
	if err != nil {
		return err
	}

	rec, err := w.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("persist: load session: %w", err)
	}
	if rec.AlwaysPersist {
		if err := w.ensurePlaceholder(ctx, rec); err != nil {
			return err
		}
	}

	seen := make(map[string]struct{})
	currentConv := ""
	stored := 0
	log.Info("persistence loop started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// A vanished job record means the loop was cancelled externally.
		alive, err := w.queue.Exists(ctx, job.ID)
		if err != nil {
			return err
		}
		if !alive {
			log.Info("persistence job cancelled, exiting")
			return nil
		}

		entries, err := w.stream.ReadGroup(ctx, clientID, fabric.GroupPersist, "persist-"+sessionID, 16, w.pollBlock)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Sentinel() {
				if err := w.flush(ctx, sessionID, chunker, &currentConv, &stored); err != nil {
					return err
				}
				log.Info("end sentinel reached", "chunks_stored", stored)
				return nil
			}
			if e.SessionID != sessionID {
				continue
			}
			if _, dup := seen[e.ChunkID]; dup {
				continue
			}
			seen[e.ChunkID] = struct{}{}

			completed, err := chunker.Add(e.Audio, e.Format)
			if err != nil {
				return err
			}
			for _, chunk := range completed {
				if err := w.write(ctx, sessionID, chunker, chunk, &currentConv, &stored); err != nil {
					return err
				}
			}
		}
		if len(entries) > 0 {
			_ = w.queue.SetMeta(ctx, job.ID, map[string]any{
				"chunks_stored":    stored,
				"buffered_seconds": chunker.BufferedSeconds(),
			})
		}
	}
}

// write stores one completed chunk against the currently open conversation,
// re-reading the rotation key first so monitor-driven rotation takes effect
// between chunks. Audio with no open conversation is not retained;
// always-persist sessions always have one via the placeholder.
func (w *Worker) write(ctx context.Context, sessionID string, chunker *Chunker, chunk store.Chunk, currentConv *string, stored *int) error {
	cid, err := w.sessions.CurrentConversation(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("persist: read rotation key: %w", err)
	}
	if cid == "" {
		w.log.Debug("no open conversation, dropping chunk", "session_id", sessionID)
		return nil
	}
	if cid != *currentConv {
		// New conversation: restart numbering and audio time. The chunk in
		// hand was cut against the old clock, so renumber it too.
		chunker.Reset()
		chunk.ChunkIndex = 0
		chunk.EndTime = chunk.Duration
		chunk.StartTime = 0
		chunker.index = 1
		chunker.startTime = chunk.Duration
		*currentConv = cid
	}
	chunk.ConversationID = cid
	if err := w.chunks.InsertChunk(ctx, chunk); err != nil {
		return err
	}
	*stored++
	if w.metrics != nil {
		w.metrics.ChunksStored.Add(ctx, 1)
	}
	return nil
}

// flush writes whatever is buffered as a final short chunk.
func (w *Worker) flush(ctx context.Context, sessionID string, chunker *Chunker, currentConv *string, stored *int) error {
	chunk, err := chunker.Flush()
	if err != nil || chunk == nil {
		return err
	}
	return w.write(ctx, sessionID, chunker, *chunk, currentConv, stored)
}

// ensurePlaceholder creates the pending-transcription conversation an
// always-persist session stores into before speech is ever detected, and
// points the rotation key at it. The monitor reuses it on open.
func (w *Worker) ensurePlaceholder(ctx context.Context, rec session.Record) error {
	existing, err := w.sessions.CurrentConversation(ctx, rec.SessionID)
	if err != nil {
		return fmt.Errorf("persist: read rotation key: %w", err)
	}
	if existing != "" {
		return nil
	}
	conv := &store.Conversation{
		ID:               uuid.NewString(),
		UserID:           rec.UserID,
		ClientID:         rec.ClientID,
		Title:            "Recording…",
		ProcessingStatus: store.StatusPendingTranscription,
		AlwaysPersist:    true,
	}
	if err := w.chunks.Create(ctx, conv); err != nil {
		return fmt.Errorf("persist: create placeholder: %w", err)
	}
	if err := w.sessions.SetCurrentConversation(ctx, rec.SessionID, conv.ID, rotationTTL); err != nil {
		return fmt.Errorf("persist: set rotation key: %w", err)
	}
	w.log.Info("created always-persist placeholder", "session_id", rec.SessionID, "conversation_id", conv.ID)
	return nil
}
