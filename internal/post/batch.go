package post

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vivilabs/vivid/internal/fabric"
	"github.com/vivilabs/vivid/internal/jobs"
	"github.com/vivilabs/vivid/internal/pipeline"
	"github.com/vivilabs/vivid/internal/store"
	"github.com/vivilabs/vivid/pkg/audio"
)

// HandleBatch is the batch re-transcription job: rebuild the conversation's
// full WAV from stored chunks, run it through the batch provider, and write
// the result as the new active transcript version. A recording that turns
// out to hold no speech soft-deletes the conversation and sweeps the rest of
// its chain. Args: conversation id, session id.
func (c *Chain) HandleBatch(ctx context.Context, job *jobs.Job) error {
	cid := job.Arg(0)
	if cid == "" {
		return errors.New("post: batch job needs a conversation arg")
	}
	log := c.log.With("conversation_id", cid, "job_id", job.ID)

	conv, err := c.convs.Get(ctx, cid)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("conversation gone, skipping batch pass")
		return nil
	}
	if err != nil {
		return err
	}
	if conv.Deleted {
		return nil
	}

	chunks, err := c.convs.ChunksFor(ctx, cid)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		log.Warn("no stored chunks, deleting conversation")
		return c.abandon(ctx, cid, store.DeleteChunksMissing)
	}

	pcm, err := decodeChunks(chunks, c.reportDecodeProgress(ctx, job.ID))
	if err != nil {
		return err
	}
	wav := audio.BuildWAV(pcm, storageFormat)

	if err := c.queue.SetMeta(ctx, job.ID, map[string]any{"message": "Transcribing"}); err != nil && !errors.Is(err, jobs.ErrNotFound) {
		return err
	}
	res, err := c.batch.Transcribe(ctx, wav, storageFormat.SampleRate, nil)
	if err != nil {
		return fmt.Errorf("post: batch transcribe %s: %w", cid, err)
	}
	if strings.TrimSpace(res.Text) == "" {
		log.Info("batch pass found no speech, deleting conversation")
		return c.abandon(ctx, cid, store.DeleteNoSpeech)
	}

	segments := fabric.ValidateSegments(res.Segments)
	version := store.TranscriptVersion{
		ID:       "batch_" + shortID(cid),
		Provider: "batch:" + c.batch.Name(),
		Text:     res.Text,
		Words:    res.Words,
		Segments: segments,
		Speakers: fabric.SpeakerList(segments),
		Metadata: map[string]any{
			"source":      "batch",
			"word_count":  len(res.Words),
			"chunk_count": len(chunks),
		},
	}
	if len(segments) > 0 {
		version.DiarizationSource = store.DiarizedByProvider
	}
	if err := c.convs.AddTranscriptVersion(ctx, cid, version, true); err != nil {
		return err
	}
	log.Info("batch transcript written", "words", len(res.Words))
	return nil
}

// abandon soft-deletes the conversation and cancels every not-yet-started
// job downstream of this one.
func (c *Chain) abandon(ctx context.Context, cid, reason string) error {
	if err := c.convs.SoftDelete(ctx, cid, reason); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	for _, prefix := range pipeline.ChainDependantPrefixes(cid) {
		if err := c.queue.CancelPattern(ctx, prefix); err != nil {
			return err
		}
	}
	return nil
}
