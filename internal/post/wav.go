package post

import (
	"context"
	"fmt"

	"github.com/vivilabs/vivid/internal/persist"
	"github.com/vivilabs/vivid/internal/store"
	"github.com/vivilabs/vivid/pkg/audio"
)

// storageFormat matches the persistence worker's normalised chunk format.
var storageFormat = audio.Format{SampleRate: 16000, Channels: 1, SampleWidth: 2}

// decodeChunks expands stored Opus chunks back to one contiguous PCM buffer.
// progress, when non-nil, is called after each chunk with (done, total).
func decodeChunks(chunks []store.Chunk, progress func(done, total int)) ([]byte, error) {
	var pcm []byte
	for i, chunk := range chunks {
		part, err := persist.DecodeChunkAudio(chunk.Audio, chunk.SampleRate, chunk.Channels)
		if err != nil {
			return nil, fmt.Errorf("post: decode chunk %d: %w", chunk.ChunkIndex, err)
		}
		pcm = append(pcm, part...)
		if progress != nil {
			progress(i+1, len(chunks))
		}
	}
	return pcm, nil
}

// reportDecodeProgress writes {current,total,percent,message} into the job's
// metadata so the UI can show reconstruction progress. Errors are logged, not
// propagated; progress is best-effort.
func (c *Chain) reportDecodeProgress(ctx context.Context, jobID string) func(done, total int) {
	return func(done, total int) {
		err := c.queue.SetMeta(ctx, jobID, map[string]any{
			"current": done,
			"total":   total,
			"percent": done * 100 / total,
			"message": "Reconstructing audio",
		})
		if err != nil {
			c.log.Warn("progress update failed", "job_id", jobID, "error", err)
		}
	}
}
