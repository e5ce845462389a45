package post

import (
	"context"
	"errors"
	"sort"

	"github.com/vivilabs/vivid/internal/jobs"
	"github.com/vivilabs/vivid/internal/store"
	"github.com/vivilabs/vivid/pkg/audio"
	"github.com/vivilabs/vivid/pkg/provider/speaker"
	"github.com/vivilabs/vivid/pkg/provider/stt"
)

// HandleSpeaker is the speaker-recognition job: replay the conversation's
// audio through the speaker service and re-label the active transcript's
// segments with enrolled identities. Long recordings are sent in overlapping
// windows; each word is attributed by exactly one window, the overlap only
// gives the service acoustic context at the seams.
//
// An unreachable service fails the job so the queue cancels the dependants;
// any other service answer, including "nobody recognised", succeeds with the
// transcript unchanged. Args: conversation id, session id.
func (c *Chain) HandleSpeaker(ctx context.Context, job *jobs.Job) error {
	cid := job.Arg(0)
	if cid == "" {
		return errors.New("post: speaker job needs a conversation arg")
	}
	log := c.log.With("conversation_id", cid, "job_id", job.ID)
	if c.identifier == nil {
		log.Info("no speaker service configured, skipping")
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
	if tv == nil || len(tv.Words) == 0 {
		log.Info("no transcript words, skipping speaker recognition")
		return nil
	}

	chunks, err := c.convs.ChunksFor(ctx, cid)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}
	pcm, err := decodeChunks(chunks, nil)
	if err != nil {
		return err
	}

	var (
		segments []stt.Segment
		speakers []string
		seen     = map[string]struct{}{}
	)
	for _, w := range c.windows(pcm, tv.Words) {
		wav := audio.BuildWAV(w.pcm, storageFormat)
		ident, err := c.identifier.Identify(ctx, conv.UserID, wav, storageFormat.SampleRate, w.words)
		if err != nil {
			if speaker.IsUnreachable(err) {
				return err
			}
			log.Warn("speaker service error, keeping existing labels", "error", err)
			continue
		}
		for _, seg := range ident.Segments {
			seg.Start += w.offset
			seg.End += w.offset
			segments = append(segments, seg)
		}
		for _, name := range ident.Speakers {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				speakers = append(speakers, name)
			}
		}
	}
	if len(segments) == 0 && len(speakers) == 0 {
		log.Info("speaker service recognised nobody")
		return nil
	}

	merged := mergeWindowSegments(segments)
	if err := c.convs.UpdateTranscriptVersion(ctx, cid, tv.ID, merged, speakers, store.DiarizedBySpeaker); err != nil {
		return err
	}
	if err := c.queue.SetMeta(ctx, job.ID, map[string]any{"speakers": speakers}); err != nil && !errors.Is(err, jobs.ErrNotFound) {
		return err
	}
	log.Info("speakers identified", "speakers", speakers, "segments", len(merged))
	return nil
}

// window is one audio slice plus the words it is responsible for, with
// timestamps rebased to the slice start.
type window struct {
	offset float64
	pcm    []byte
	words  []stt.Word
}

// windows cuts the recording into speaker-recognition requests. Short
// recordings go whole; beyond the trigger length the audio is cut into
// fixed windows that overlap at the seams, and every word is assigned to the
// window whose non-overlapping span contains its start.
func (c *Chain) windows(pcm []byte, words []stt.Word) []window {
	total := storageFormat.Duration(len(pcm)).Seconds()
	if total <= c.windowTrigger {
		return []window{{pcm: pcm, words: words}}
	}

	step := c.windowSecs - c.overlapSecs
	var out []window
	for start := 0.0; start < total; start += step {
		end := start + c.windowSecs
		if end > total {
			end = total
		}
		w := window{
			offset: start,
			pcm:    slicePCM(pcm, start, end),
		}
		last := start+step >= total
		for _, word := range words {
			if word.Start < start {
				continue
			}
			if !last && word.Start >= start+step {
				continue
			}
			shifted := word
			shifted.Start -= start
			shifted.End -= start
			w.words = append(w.words, shifted)
		}
		out = append(out, w)
		if end == total {
			break
		}
	}
	return out
}

// slicePCM cuts [start,end) seconds out of a PCM buffer, aligned to whole
// samples.
func slicePCM(pcm []byte, start, end float64) []byte {
	width := storageFormat.Channels * storageFormat.SampleWidth
	lo := int(start*float64(storageFormat.SampleRate)) * width
	hi := int(end*float64(storageFormat.SampleRate)) * width
	if lo > len(pcm) {
		lo = len(pcm)
	}
	if hi > len(pcm) {
		hi = len(pcm)
	}
	return pcm[lo:hi]
}

// mergeWindowSegments joins per-window segments back into one timeline.
// Adjacent segments from the same speaker that touch across a seam merge
// into one; when different speakers collide the later window's attribution
// wins the contested span.
func mergeWindowSegments(segments []stt.Segment) []stt.Segment {
	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Start < segments[j].Start
	})
	var out []stt.Segment
	for _, seg := range segments {
		if len(out) == 0 {
			out = append(out, seg)
			continue
		}
		prev := &out[len(out)-1]
		if seg.Start >= prev.End {
			out = append(out, seg)
			continue
		}
		if seg.Speaker == prev.Speaker {
			if seg.End > prev.End {
				prev.End = seg.End
				if seg.Text != "" {
					prev.Text += " " + seg.Text
				}
			}
			continue
		}
		prev.End = seg.Start
		out = append(out, seg)
	}
	return out
}
