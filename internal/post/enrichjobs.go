package post

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vivilabs/vivid/internal/jobs"
	"github.com/vivilabs/vivid/internal/plugins"
	"github.com/vivilabs/vivid/internal/store"
)

// HandleMemory is the memory-extraction job: pull standalone facts out of
// the active transcript and hand them to the plugin layer through the
// memory.processed event. Args: conversation id, session id.
func (c *Chain) HandleMemory(ctx context.Context, job *jobs.Job) error {
	cid := job.Arg(0)
	if cid == "" {
		return errors.New("post: memory job needs a conversation arg")
	}
	log := c.log.With("conversation_id", cid, "job_id", job.ID)
	if c.extractor == nil {
		log.Info("no memory extractor configured, skipping")
		return nil
	}

	conv, err := c.convs.Get(ctx, cid)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if conv.Deleted {
		return nil
	}
	tv := conv.ActiveTranscript()
	if tv == nil || strings.TrimSpace(tv.Text) == "" {
		log.Info("no transcript, skipping memory extraction")
		return nil
	}

	memories, err := c.extractor.ExtractMemories(ctx, tv.Text, tv.Speakers)
	if err != nil {
		return fmt.Errorf("post: extract memories for %s: %w", cid, err)
	}
	if err := c.queue.SetMeta(ctx, job.ID, map[string]any{"memories_extracted": len(memories)}); err != nil && !errors.Is(err, jobs.ErrNotFound) {
		return err
	}
	log.Info("memories extracted", "count", len(memories))

	if c.dispatcher != nil && len(memories) > 0 {
		c.dispatcher.Dispatch(ctx, plugins.EventMemoryProcessed, conv.UserID, map[string]any{
			"conversation_id": cid,
			"memories":        memories,
		}, nil)
	}
	return nil
}

// HandleTitleSummary is the title/summary job: produce the three-level
// description of the conversation and settle its processing status. A
// conversation that reaches this point without a usable transcript is marked
// transcription_failed rather than completed. Args: conversation id,
// session id.
func (c *Chain) HandleTitleSummary(ctx context.Context, job *jobs.Job) error {
	cid := job.Arg(0)
	if cid == "" {
		return errors.New("post: title job needs a conversation arg")
	}
	log := c.log.With("conversation_id", cid, "job_id", job.ID)

	conv, err := c.convs.Get(ctx, cid)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if conv.Deleted {
		return nil
	}
	tv := conv.ActiveTranscript()
	if tv == nil || strings.TrimSpace(tv.Text) == "" {
		log.Warn("no transcript for summarisation")
		return c.convs.SetProcessingStatus(ctx, cid, store.StatusTranscriptionFailed)
	}
	if c.summarizer == nil {
		return c.convs.SetProcessingStatus(ctx, cid, store.StatusCompleted)
	}

	ts, err := c.summarizer.Summarize(ctx, tv.Text)
	if err != nil {
		return fmt.Errorf("post: summarise %s: %w", cid, err)
	}
	if err := c.convs.SetSummaries(ctx, cid, ts.Title, ts.Summary, ts.DetailedSummary); err != nil {
		return err
	}
	if err := c.convs.SetProcessingStatus(ctx, cid, store.StatusCompleted); err != nil {
		return err
	}
	log.Info("conversation summarised", "title", ts.Title)
	return nil
}
