package post

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vivilabs/vivid/internal/fabric"
	"github.com/vivilabs/vivid/internal/jobs"
	"github.com/vivilabs/vivid/internal/pipeline"
	"github.com/vivilabs/vivid/internal/session"
	"github.com/vivilabs/vivid/internal/store"
	"github.com/vivilabs/vivid/pkg/audio"
)

// HandleFallback is the transcription-fallback job, enqueued when a session
// ends without speech ever being detected. Streaming recognition can miss a
// whole recording (provider outage, quiet audio), so the fallback replays
// whatever audio survived through the batch provider: stored chunks when the
// persistence worker got that far, otherwise the raw Redis audio stream.
// Finding real speech revives the conversation and runs the normal post
// chain; finding none records why and stops. Args: session id, client id.
func (c *Chain) HandleFallback(ctx context.Context, job *jobs.Job) error {
	sid, clientID := job.Arg(0), job.Arg(1)
	if sid == "" || clientID == "" {
		return errors.New("post: fallback job needs session and client args")
	}
	log := c.log.With("session_id", sid, "job_id", job.ID)

	rec, err := c.sessions.Get(ctx, sid)
	if errors.Is(err, session.ErrSessionGone) {
		return c.skip(ctx, job.ID, "session_gone")
	}
	if err != nil {
		return err
	}
	endReason := rec.CompletionReason
	if endReason == "" {
		endReason = "user_stopped"
	}

	cid, err := c.sessions.CurrentConversation(ctx, sid)
	if err != nil {
		return err
	}
	var chunks []store.Chunk
	if cid != "" {
		if chunks, err = c.convs.ChunksFor(ctx, cid); err != nil {
			return err
		}
	}
	if len(chunks) > 0 {
		return c.fallbackFromChunks(ctx, job, cid, sid, endReason, log)
	}
	return c.fallbackFromStream(ctx, job, rec, cid, endReason, log)
}

// fallbackFromChunks re-transcribes stored audio by running the regular
// batch job and waiting for it, then revives the rest of the chain.
func (c *Chain) fallbackFromChunks(ctx context.Context, job *jobs.Job, cid, sid, endReason string, log *slog.Logger) error {
	batchID := pipeline.BatchJobID(cid)
	alive, err := c.queue.Exists(ctx, batchID)
	if err != nil {
		return err
	}
	if !alive {
		if _, err := c.queue.Enqueue(ctx, jobs.Opts{
			JobID:       batchID,
			Queue:       jobs.QueueTranscription,
			Handler:     pipeline.HandlerBatch,
			Args:        []string{cid, sid},
			Timeout:     2 * time.Hour,
			Description: "Fallback batch transcription",
		}); err != nil {
			return err
		}
	}

	status, err := c.awaitJob(ctx, batchID)
	if err != nil {
		return err
	}
	if status != jobs.StatusFinished {
		return fmt.Errorf("post: fallback batch job %s ended %s", batchID, status)
	}

	conv, err := c.convs.Get(ctx, cid)
	if err != nil {
		return err
	}
	if conv.Deleted {
		log.Info("fallback batch found no speech")
		return c.skip(ctx, job.ID, "no_speech")
	}
	if err := pipeline.EnqueueChain(ctx, c.queue, cid, sid, endReason, false); err != nil {
		return err
	}
	return c.queue.SetMeta(ctx, job.ID, map[string]any{"conversation_id": cid, "source": "chunks"})
}

// fallbackFromStream reconstructs the recording from the Redis audio stream,
// transcribes it directly, and creates the conversation the pipeline never
// opened.
func (c *Chain) fallbackFromStream(ctx context.Context, job *jobs.Job, rec session.Record, cid, endReason string, log *slog.Logger) error {
	entries, err := c.stream.Range(ctx, rec.ClientID)
	if err != nil {
		return err
	}
	var pcm []byte
	for _, e := range entries {
		if e.Sentinel() || len(e.Audio) == 0 {
			continue
		}
		pcm = append(pcm, audio.Normalize(e.Audio, e.Format)...)
	}
	if len(pcm) == 0 {
		log.Info("no audio anywhere, skipping fallback")
		return c.skip(ctx, job.ID, "no_audio")
	}

	res, err := c.batch.Transcribe(ctx, audio.BuildWAV(pcm, storageFormat), storageFormat.SampleRate, nil)
	if err != nil {
		return fmt.Errorf("post: fallback transcribe %s: %w", rec.SessionID, err)
	}
	if strings.TrimSpace(res.Text) == "" {
		log.Info("fallback transcription found no speech")
		return c.skip(ctx, job.ID, "no_speech")
	}

	if cid == "" {
		cid = uuid.NewString()
		conv := &store.Conversation{
			ID:               cid,
			UserID:           rec.UserID,
			ClientID:         rec.ClientID,
			Title:            "Recording…",
			ProcessingStatus: store.StatusProcessing,
		}
		if err := c.convs.Create(ctx, conv); err != nil {
			return fmt.Errorf("post: create fallback conversation: %w", err)
		}
	}
	segments := fabric.ValidateSegments(res.Segments)
	version := store.TranscriptVersion{
		ID:       "batch_" + shortID(cid),
		Provider: "batch:" + c.batch.Name(),
		Text:     res.Text,
		Words:    res.Words,
		Segments: segments,
		Speakers: fabric.SpeakerList(segments),
		Metadata: map[string]any{"source": "fallback", "word_count": len(res.Words)},
	}
	if len(segments) > 0 {
		version.DiarizationSource = store.DiarizedByProvider
	}
	if err := c.convs.AddTranscriptVersion(ctx, cid, version, true); err != nil {
		return err
	}
	if err := pipeline.EnqueueChain(ctx, c.queue, cid, rec.SessionID, endReason, false); err != nil {
		return err
	}
	log.Info("fallback transcript recovered", "conversation_id", cid, "words", len(res.Words))
	return c.queue.SetMeta(ctx, job.ID, map[string]any{"conversation_id": cid, "source": "stream"})
}

// awaitJob polls a job until it reaches a terminal status or the poll budget
// runs out.
func (c *Chain) awaitJob(ctx context.Context, id string) (jobs.Status, error) {
	deadline := time.Now().Add(c.pollBudget)
	for {
		status, err := c.queue.Status(ctx, id)
		if err != nil {
			return "", err
		}
		if status.Done() {
			return status, nil
		}
		if !time.Now().Before(deadline) {
			return "", fmt.Errorf("post: job %s still %s after %s", id, status, c.pollBudget)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// skip records why the fallback did nothing. The job itself succeeds.
func (c *Chain) skip(ctx context.Context, jobID, reason string) error {
	if err := c.queue.SetMeta(ctx, jobID, map[string]any{"skipped_reason": reason}); err != nil && !errors.Is(err, jobs.ErrNotFound) {
		return err
	}
	return nil
}
