// Package post implements the post-conversation chain: the jobs that run
// after the monitor closes a conversation. Batch re-transcription, speaker
// recognition, memory extraction, title/summary generation, and the final
// conversation.complete dispatch are separate queue jobs linked by
// dependencies, so one conversation flows through them in order while many
// conversations process in parallel.
package post

import (
	"context"
	"log/slog"
	"time"

	"github.com/vivilabs/vivid/internal/enrich"
	"github.com/vivilabs/vivid/internal/fabric"
	"github.com/vivilabs/vivid/internal/jobs"
	"github.com/vivilabs/vivid/internal/plugins"
	"github.com/vivilabs/vivid/internal/session"
	"github.com/vivilabs/vivid/internal/store"
	"github.com/vivilabs/vivid/pkg/provider/speaker"
	"github.com/vivilabs/vivid/pkg/provider/stt"
)

// ConversationStore is the slice of conversation storage the chain needs.
type ConversationStore interface {
	Create(ctx context.Context, c *store.Conversation) error
	Get(ctx context.Context, id string) (*store.Conversation, error)
	SetSummaries(ctx context.Context, id, title, summary, detailed string) error
	SetProcessingStatus(ctx context.Context, id, status string) error
	SoftDelete(ctx context.Context, id, reason string) error
	AddTranscriptVersion(ctx context.Context, id string, v store.TranscriptVersion, activate bool) error
	UpdateTranscriptVersion(ctx context.Context, id, versionID string, segments []stt.Segment, speakers []string, diarization string) error
	ChunksFor(ctx context.Context, conversationID string) ([]store.Chunk, error)
}

// Chain holds the shared dependencies of the post-conversation handlers.
// Register its Handle* methods under the pipeline handler names.
type Chain struct {
	sessions   *session.Store
	convs      ConversationStore
	stream     *fabric.AudioStream
	queue      *jobs.Client
	batch      stt.BatchProvider
	identifier speaker.Identifier
	extractor  enrich.MemoryExtractor
	summarizer enrich.Summarizer
	dispatcher plugins.Dispatcher
	log        *slog.Logger

	// Speaker-recognition windowing, in seconds of audio.
	windowSecs    float64
	overlapSecs   float64
	windowTrigger float64

	pollInterval time.Duration
	pollBudget   time.Duration
}

// Option configures a Chain.
type Option func(*Chain)

// WithIdentifier sets the speaker-recognition client. Nil skips the stage.
func WithIdentifier(id speaker.Identifier) Option {
	return func(c *Chain) { c.identifier = id }
}

// WithEnrichment sets the memory extractor and summarizer. Nil values skip
// their stages.
func WithEnrichment(ex enrich.MemoryExtractor, sum enrich.Summarizer) Option {
	return func(c *Chain) {
		c.extractor = ex
		c.summarizer = sum
	}
}

// WithDispatcher sets the plugin router. Nil disables plugin dispatch.
func WithDispatcher(d plugins.Dispatcher) Option {
	return func(c *Chain) { c.dispatcher = d }
}

// WithWindowing overrides the speaker-recognition window shape.
func WithWindowing(window, overlap, trigger float64) Option {
	return func(c *Chain) {
		if window > 0 {
			c.windowSecs = window
		}
		if overlap >= 0 {
			c.overlapSecs = overlap
		}
		if trigger > 0 {
			c.windowTrigger = trigger
		}
	}
}

// WithPoll overrides the fallback's job-poll cadence and budget.
func WithPoll(interval, budget time.Duration) Option {
	return func(c *Chain) {
		if interval > 0 {
			c.pollInterval = interval
		}
		if budget > 0 {
			c.pollBudget = budget
		}
	}
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Chain) {
		if log != nil {
			c.log = log
		}
	}
}

// NewChain returns the post-conversation chain handlers.
func NewChain(sessions *session.Store, convs ConversationStore, stream *fabric.AudioStream, queue *jobs.Client, batch stt.BatchProvider, opts ...Option) *Chain {
	c := &Chain{
		sessions:      sessions,
		convs:         convs,
		stream:        stream,
		queue:         queue,
		batch:         batch,
		log:           slog.Default(),
		windowSecs:    900,
		overlapSecs:   30,
		windowTrigger: 1500,
		pollInterval:  2 * time.Second,
		pollBudget:    30 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// shortID returns the first 8 characters of an id for version naming.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
