package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vivilabs/vivid/internal/fabric"
	"github.com/vivilabs/vivid/internal/jobs"
	"github.com/vivilabs/vivid/internal/pipeline"
	"github.com/vivilabs/vivid/internal/session"
	"github.com/vivilabs/vivid/internal/store"
)

// close finalizes the transcript: wait for the streaming consumer to drain,
// wait for the first stored chunk, write the streaming transcript version,
// and enqueue the post-processing chain.
func (m *Monitor) close(ctx context.Context, st *state, log *slog.Logger) error {
	// A close request leaves the stream open for the next conversation, so
	// there is no drain to wait for.
	if st.closeRequested == "" {
		m.waitTranscriptionComplete(ctx, st, log)
	}

	view, err := m.agg.Combined(ctx, st.sessionID)
	if err != nil {
		return err
	}
	if view.WordCount() == 0 {
		log.Info("closing with empty transcript, deleting conversation")
		st.skipChain = true
		if err := m.convs.SoftDelete(ctx, st.conversationID, store.DeleteNoSpeech); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	}

	if !m.waitFirstChunk(ctx, st, log) {
		st.skipChain = true
		if err := m.convs.SoftDelete(ctx, st.conversationID, store.DeleteChunksMissing); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	}

	segments := fabric.ValidateSegments(view.Segments)
	version := store.TranscriptVersion{
		ID:       "streaming_" + shortID(st.sessionID),
		Provider: view.Provider,
		Text:     view.Text,
		Words:    view.Words,
		Segments: segments,
		Speakers: fabric.SpeakerList(segments),
		Metadata: map[string]any{
			"source":     "streaming",
			"word_count": view.WordCount(),
		},
	}
	if len(segments) > 0 {
		version.DiarizationSource = store.DiarizedByProvider
	}
	if n, err := m.convs.ChunkCount(ctx, st.conversationID); err == nil {
		version.Metadata["chunk_count"] = n
	}
	if err := m.convs.AddTranscriptVersion(ctx, st.conversationID, version, true); err != nil {
		return fmt.Errorf("monitor: add transcript version: %w", err)
	}
	log.Info("streaming transcript written", "words", view.WordCount(), "segments", len(segments))

	return pipeline.EnqueueChain(ctx, m.queue, st.conversationID, st.sessionID, st.endReason(), m.alwaysBatch)
}

// waitTranscriptionComplete blocks up to completeWait for the streaming
// consumer's end-of-stream flag. Timing out is not an error; the streaming
// view is simply used as-is.
func (m *Monitor) waitTranscriptionComplete(ctx context.Context, st *state, log *slog.Logger) {
	deadline := time.Now().Add(m.completeWait)
	for time.Now().Before(deadline) {
		outcome, err := m.sessions.TranscriptionComplete(ctx, st.sessionID)
		if err != nil {
			log.Warn("transcription-complete check failed", "error", err)
			return
		}
		if outcome != "" {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.tick):
		}
	}
	log.Warn("streaming consumer did not drain in time")
}

// waitFirstChunk blocks up to chunkWait for the persistence worker to store
// the conversation's first audio chunk. Reports whether one arrived.
func (m *Monitor) waitFirstChunk(ctx context.Context, st *state, log *slog.Logger) bool {
	deadline := time.Now().Add(m.chunkWait)
	for {
		n, err := m.convs.ChunkCount(ctx, st.conversationID)
		if err != nil {
			log.Warn("chunk count check failed", "error", err)
		} else if n > 0 {
			return true
		}
		if !time.Now().Before(deadline) {
			log.Warn("no audio chunks stored for conversation")
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.tick):
		}
	}
}

// end releases everything the conversation held and, when the session lives
// on, restarts speech detection for the next conversation. Every step runs;
// errors are joined so one failed cleanup does not mask the rest.
func (m *Monitor) end(ctx context.Context, st *state, log *slog.Logger) error {
	reason := st.endReason()
	var errs []error

	if err := m.convs.SetEndReason(ctx, st.conversationID, reason, time.Now().UTC()); err != nil && !errors.Is(err, store.ErrNotFound) {
		errs = append(errs, err)
	}
	if err := m.results.Delete(ctx, st.sessionID); err != nil {
		errs = append(errs, err)
	}
	if err := m.sessions.Expire(ctx, st.sessionID, time.Hour); err != nil {
		errs = append(errs, err)
	}
	if err := m.sessions.ClearOpenConversation(ctx, st.sessionID); err != nil {
		errs = append(errs, err)
	}
	if err := m.sessions.ClearCurrentConversation(ctx, st.sessionID); err != nil {
		errs = append(errs, err)
	}
	n, err := m.sessions.IncrConversationCount(ctx, st.sessionID)
	if err != nil {
		errs = append(errs, err)
	}

	if err := m.maybeRestartDetection(ctx, st, n, log); err != nil {
		errs = append(errs, err)
	}

	if m.metrics != nil {
		m.metrics.RecordConversationClosed(ctx, reason)
	}
	log.Info("conversation ended", "end_reason", reason, "conversation_count", n)
	return errors.Join(errs...)
}

// maybeRestartDetection re-arms speech detection for conversation N+1 when
// the session is still recording. An active session restarts outright. A
// "finished" written while the socket is still up restarts only when it is
// the spurious all-jobs-complete kind from an inter-conversation lull; a
// session the client moved to finalizing instead walks on to finished here.
func (m *Monitor) maybeRestartDetection(ctx context.Context, st *state, n int64, log *slog.Logger) error {
	rec, err := m.sessions.Get(ctx, st.sessionID)
	if errors.Is(err, session.ErrSessionGone) {
		return nil
	}
	if err != nil {
		return err
	}
	restart := rec.Status == session.StatusActive
	if !restart && rec.Connected && rec.Status == session.StatusFinished &&
		rec.CompletionReason == session.ReasonAllJobsComplete {
		if err := m.sessions.SetStatus(ctx, st.sessionID, session.StatusActive, ""); err != nil {
			return err
		}
		restart = true
	}
	if !restart {
		if rec.Status == session.StatusFinalizing {
			if err := m.sessions.SetStatus(ctx, st.sessionID, session.StatusFinished, ""); err != nil {
				return err
			}
		}
		return nil
	}

	// The next conversation needs a fresh drain flag, or detection would see
	// the previous end-of-stream outcome.
	if err := m.sessions.ClearTranscriptionComplete(ctx, st.sessionID); err != nil {
		return err
	}
	jobID := pipeline.DetectJobID(st.sessionID, n)
	if _, err := m.queue.Enqueue(ctx, jobs.Opts{
		JobID:       jobID,
		Queue:       jobs.QueueDefault,
		Handler:     pipeline.HandlerSpeechDetect,
		Args:        []string{st.sessionID, st.clientID},
		Timeout:     24 * time.Hour,
		Description: "Speech detection",
	}); err != nil {
		return err
	}
	if err := m.sessions.SetSpeechDetectionJob(ctx, st.clientID, jobID); err != nil {
		return err
	}
	log.Info("speech detection restarted", "job_id", jobID)
	return nil
}

// shortID returns the first 8 characters of an id for version naming.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
