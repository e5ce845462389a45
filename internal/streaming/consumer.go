// Package streaming runs the live transcription consumer: it drains a
// client's audio stream through the transcribe consumer group, feeds the
// audio to a streaming STT provider, and fans the provider's results out to
// the durable result stream and the interim pub/sub topic.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/vivilabs/vivid/internal/fabric"
	"github.com/vivilabs/vivid/internal/jobs"
	"github.com/vivilabs/vivid/internal/observe"
	"github.com/vivilabs/vivid/internal/session"
	"github.com/vivilabs/vivid/pkg/audio"
	"github.com/vivilabs/vivid/pkg/provider/stt"
)

// HandlerName is the queue handler name for the transcription loop.
const HandlerName = "stream_transcribe"

// JobID returns the deterministic job id for a session's transcription loop.
func JobID(sessionID string) string { return "stream_transcribe_" + sessionID }

// Outcomes written to the transcription-complete key at end of stream.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Consumer drains audio into a streaming STT session. One Consumer handles
// one job invocation at a time; construct it once and register Handle on the
// queue.
type Consumer struct {
	sessions *session.Store
	stream   *fabric.AudioStream
	results  *fabric.ResultStream
	interim  *fabric.Interim
	provider stt.StreamingProvider
	queue    *jobs.Client
	metrics  *observe.Metrics
	log      *slog.Logger

	pollBlock time.Duration
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(log *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if log != nil {
			c.log = log
		}
	}
}

// NewConsumer returns a streaming transcription consumer.
func NewConsumer(sessions *session.Store, stream *fabric.AudioStream, results *fabric.ResultStream, interim *fabric.Interim, provider stt.StreamingProvider, queue *jobs.Client, metrics *observe.Metrics, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		sessions:  sessions,
		stream:    stream,
		results:   results,
		interim:   interim,
		provider:  provider,
		queue:     queue,
		metrics:   metrics,
		log:       slog.Default(),
		pollBlock: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle is the queue handler. Args: session id, client id.
//
// The provider session is opened lazily on the first audio entry, so a
// session that never sends audio never opens a billable provider stream. A
// provider failure marks the session with a transcription error and ends the
// loop; the end-of-stream sentinel records ok or error on the
// transcription-complete key either way.
func (c *Consumer) Handle(ctx context.Context, job *jobs.Job) error {
	sessionID, clientID := job.Arg(0), job.Arg(1)
	if sessionID == "" || clientID == "" {
		return errors.New("streaming: job needs session and client args")
	}
	log := c.log.With("session_id", sessionID, "client_id", clientID, "job_id", job.ID)

	var (
		handle stt.SessionHandle
		drain  *drainer
	)
	defer func() {
		if handle != nil {
			_ = handle.Close()
			drain.wait()
		}
	}()

	seen := make(map[string]struct{})
	sent := 0
	log.Info("transcription loop started", "provider", c.provider.Name())

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		alive, err := c.queue.Exists(ctx, job.ID)
		if err != nil {
			return err
		}
		if !alive {
			log.Info("transcription job cancelled, exiting")
			return nil
		}

		entries, err := c.stream.ReadGroup(ctx, clientID, fabric.GroupTranscribe, "transcribe-"+sessionID, 16, c.pollBlock)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Sentinel() {
				outcome := OutcomeOK
				if handle != nil {
					_ = handle.Close()
					drain.wait()
					if drain.failed() {
						outcome = OutcomeError
					}
					handle = nil
				}
				if err := c.sessions.SetTranscriptionComplete(ctx, sessionID, outcome); err != nil {
					return err
				}
				log.Info("end sentinel reached", "outcome", outcome, "chunks_sent", sent)
				return nil
			}
			if e.SessionID != sessionID {
				continue
			}
			if _, dup := seen[e.ChunkID]; dup {
				continue
			}
			seen[e.ChunkID] = struct{}{}

			if handle == nil {
				handle, err = c.provider.StartStream(ctx, stt.StreamConfig{
					SampleRate: audio.DefaultFormat.SampleRate,
					Channels:   audio.DefaultFormat.Channels,
				})
				if err != nil {
					return c.fail(ctx, sessionID, log, fmt.Errorf("streaming: start stream: %w", err))
				}
				drain = c.startDrain(ctx, sessionID, handle)
			}
			if err := handle.SendAudio(audio.Normalize(e.Audio, e.Format)); err != nil {
				return c.fail(ctx, sessionID, log, fmt.Errorf("streaming: send audio: %w", err))
			}
			sent++
		}
		if len(entries) > 0 {
			_ = c.queue.SetMeta(ctx, job.ID, map[string]any{"chunks_sent": sent})
		}
		if drain != nil && drain.failed() {
			return c.fail(ctx, sessionID, log, drain.err())
		}
	}
}

// fail records the provider failure on the session so speech detection and
// the monitor can see it, then ends the loop without a handler error; the
// stream problem is the session's, not the worker's.
func (c *Consumer) fail(ctx context.Context, sessionID string, log *slog.Logger, cause error) error {
	log.Error("transcription provider failed", "error", cause)
	if err := c.sessions.SetField(ctx, sessionID, session.FieldTranscriptionError, cause.Error()); err != nil {
		return err
	}
	if err := c.sessions.SetTranscriptionComplete(ctx, sessionID, OutcomeError); err != nil {
		return err
	}
	return nil
}

// drainer moves provider results onto the result stream and the interim
// topic until the provider closes its channel.
type drainer struct {
	done chan struct{}

	mu       sync.Mutex
	firstErr error
}

func (c *Consumer) startDrain(ctx context.Context, sessionID string, handle stt.SessionHandle) *drainer {
	d := &drainer{done: make(chan struct{})}
	// The drain must outlive a cancelled poll so close-time results still
	// reach the stream.
	drainCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(d.done)
		n := 0
		for res := range handle.Results() {
			res.ChunkIndex = n
			n++
			if err := c.results.Append(drainCtx, sessionID, res); err != nil {
				d.record(err)
				continue
			}
			if err := c.interim.Publish(drainCtx, sessionID, res); err != nil {
				d.record(err)
				continue
			}
			if c.metrics != nil {
				c.metrics.TranscriptionResults.Add(drainCtx, 1,
					metric.WithAttributes(observe.Attr("provider", res.Provider)))
			}
		}
	}()
	return d
}

func (d *drainer) record(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.firstErr == nil {
		d.firstErr = err
	}
}

func (d *drainer) wait() {
	if d != nil {
		<-d.done
	}
}

func (d *drainer) failed() bool { return d.err() != nil }

func (d *drainer) err() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.firstErr
}
