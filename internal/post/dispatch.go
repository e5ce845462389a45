package post

import (
	"context"
	"errors"

	"github.com/vivilabs/vivid/internal/jobs"
	"github.com/vivilabs/vivid/internal/plugins"
	"github.com/vivilabs/vivid/internal/store"
)

// HandleDispatch is the conversation.complete dispatch job. It runs exactly
// once per conversation, after both enrichment jobs finished, so plugins see
// the final title, summaries, and end reason. Args: conversation id,
// session id, end reason.
func (c *Chain) HandleDispatch(ctx context.Context, job *jobs.Job) error {
	cid, sid, endReason := job.Arg(0), job.Arg(1), job.Arg(2)
	if cid == "" {
		return errors.New("post: dispatch job needs a conversation arg")
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

	if c.dispatcher != nil {
		data := map[string]any{
			"conversation_id": cid,
			"session_id":      sid,
			"title":           conv.Title,
			"summary":         conv.Summary,
			"end_reason":      endReason,
		}
		if tv := conv.ActiveTranscript(); tv != nil {
			data["transcript"] = tv.Text
			data["speakers"] = tv.Speakers
		}
		results := c.dispatcher.Dispatch(ctx, plugins.EventConversationComplete, conv.UserID, data, nil)
		log.Info("conversation.complete dispatched", "plugins", len(results))
	}
	if err := c.queue.SetMeta(ctx, job.ID, map[string]any{"dispatched": true}); err != nil && !errors.Is(err, jobs.ErrNotFound) {
		return err
	}
	return nil
}
