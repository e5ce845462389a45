package pipeline

import (
	"context"
	"time"

	"github.com/vivilabs/vivid/internal/jobs"
)

// EnqueueChain schedules a closed conversation's post-processing jobs with
// their dependency fan-out: an optional batch re-transcription feeds speaker
// recognition, which feeds memory extraction and title/summary in parallel,
// and the final dispatch waits for both.
func EnqueueChain(ctx context.Context, q *jobs.Client, conversationID, sessionID, endReason string, withBatch bool) error {
	args := []string{conversationID, sessionID}

	var speakerDeps []string
	if withBatch {
		if _, err := q.Enqueue(ctx, jobs.Opts{
			JobID:       BatchJobID(conversationID),
			Queue:       jobs.QueueTranscription,
			Handler:     HandlerBatch,
			Args:        args,
			Timeout:     2 * time.Hour,
			Description: "Batch re-transcription",
		}); err != nil {
			return err
		}
		speakerDeps = []string{BatchJobID(conversationID)}
	}

	if _, err := q.Enqueue(ctx, jobs.Opts{
		JobID:       SpeakerJobID(conversationID),
		Queue:       jobs.QueueTranscription,
		Handler:     HandlerSpeaker,
		Args:        args,
		DependsOn:   speakerDeps,
		Description: "Speaker recognition",
	}); err != nil {
		return err
	}
	if _, err := q.Enqueue(ctx, jobs.Opts{
		JobID:       MemoryJobID(conversationID),
		Queue:       jobs.QueueMemory,
		Handler:     HandlerMemory,
		Args:        args,
		DependsOn:   []string{SpeakerJobID(conversationID)},
		Description: "Memory extraction",
	}); err != nil {
		return err
	}
	if _, err := q.Enqueue(ctx, jobs.Opts{
		JobID:       TitleSummaryJobID(conversationID),
		Queue:       jobs.QueueMemory,
		Handler:     HandlerTitleSummary,
		Args:        args,
		DependsOn:   []string{SpeakerJobID(conversationID)},
		Description: "Title and summary",
	}); err != nil {
		return err
	}
	if _, err := q.Enqueue(ctx, jobs.Opts{
		JobID:   DispatchJobID(conversationID),
		Queue:   jobs.QueueDefault,
		Handler: HandlerEventDispatch,
		Args:    []string{conversationID, sessionID, endReason},
		DependsOn: []string{
			MemoryJobID(conversationID),
			TitleSummaryJobID(conversationID),
		},
		Description: "Conversation-complete dispatch",
	}); err != nil {
		return err
	}
	return nil
}
