// Package persist consumes the audio stream's persist group and turns raw
// PCM into fixed-duration Opus-compressed chunks in conversation storage.
package persist

import (
	"encoding/binary"
	"fmt"

	"github.com/vivilabs/vivid/internal/store"
	"github.com/vivilabs/vivid/pkg/audio"
	"github.com/vivilabs/vivid/pkg/audio/opus"
)

// storageFormat is the normalised on-disk audio format. Everything the
// chunker receives is resampled to it before encoding.
var storageFormat = audio.Format{SampleRate: 16000, Channels: 1, SampleWidth: 2}

// Chunker accumulates normalised PCM and emits Opus-compressed chunks of a
// fixed audio duration. Chunk indexes are dense and restart at 0 on Reset,
// which the worker calls when the target conversation rotates.
//
// Stored chunk payloads are a sequence of Opus packets, each prefixed with a
// big-endian uint16 length, so playback and WAV reconstruction can walk the
// packets without a container format.
type Chunker struct {
	enc        *opus.Encoder
	chunkBytes int

	buf       []byte
	index     int
	startTime float64
}

// NewChunker returns a Chunker emitting chunks of chunkSeconds audio time.
func NewChunker(chunkSeconds int) (*Chunker, error) {
	enc, err := opus.NewEncoder(storageFormat.SampleRate, storageFormat.Channels)
	if err != nil {
		return nil, fmt.Errorf("persist: create encoder: %w", err)
	}
	return &Chunker{
		enc:        enc,
		chunkBytes: storageFormat.BytesPerSecond() * chunkSeconds,
	}, nil
}

// Add appends PCM in the given source format and returns any chunks that
// completed. The source is normalised to 16 kHz mono before buffering.
func (c *Chunker) Add(pcm []byte, f audio.Format) ([]store.Chunk, error) {
	c.buf = append(c.buf, audio.Normalize(pcm, f)...)

	var chunks []store.Chunk
	for len(c.buf) >= c.chunkBytes {
		chunk, err := c.emit(c.buf[:c.chunkBytes])
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
		c.buf = c.buf[c.chunkBytes:]
	}
	return chunks, nil
}

// Flush emits whatever audio is buffered as a final short chunk. Returns nil
// when the buffer is empty.
func (c *Chunker) Flush() (*store.Chunk, error) {
	if len(c.buf) == 0 {
		return nil, nil
	}
	chunk, err := c.emit(c.buf)
	if err != nil {
		return nil, err
	}
	c.buf = nil
	return &chunk, nil
}

// Reset restarts chunk numbering and audio time for a new conversation.
// Buffered audio carries over; it belongs to whoever opens next.
func (c *Chunker) Reset() {
	c.index = 0
	c.startTime = 0
}

// BufferedSeconds returns the audio time currently buffered.
func (c *Chunker) BufferedSeconds() float64 {
	return storageFormat.Duration(len(c.buf)).Seconds()
}

// emit encodes pcm into a chunk and advances index and start time.
func (c *Chunker) emit(pcm []byte) (store.Chunk, error) {
	payload, err := c.encode(pcm)
	if err != nil {
		return store.Chunk{}, err
	}
	duration := storageFormat.Duration(len(pcm)).Seconds()
	chunk := store.Chunk{
		ChunkIndex:  c.index,
		StartTime:   c.startTime,
		EndTime:     c.startTime + duration,
		Duration:    duration,
		SampleRate:  storageFormat.SampleRate,
		Channels:    storageFormat.Channels,
		SampleWidth: storageFormat.SampleWidth,
		Audio:       payload,
	}
	c.index++
	c.startTime += duration
	return chunk, nil
}

// encode compresses pcm into length-prefixed Opus packets. The tail is
// zero-padded to a whole 20 ms frame; the sub-frame duration error is below
// audibility and keeps the codec in its fixed frame size.
func (c *Chunker) encode(pcm []byte) ([]byte, error) {
	frameBytes := c.enc.FrameBytes()
	out := make([]byte, 0, len(pcm)/4)

	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		frame := pcm[off:min(end, len(pcm))]
		if len(frame) < frameBytes {
			padded := make([]byte, frameBytes)
			copy(padded, frame)
			frame = padded
		}
		packet, err := c.enc.Encode(frame)
		if err != nil {
			return nil, fmt.Errorf("persist: encode frame at %d: %w", off, err)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(len(packet)))
		out = append(out, packet...)
	}
	return out, nil
}

// DecodeChunkAudio expands a stored chunk payload back to PCM. Used by the
// post-conversation jobs that reconstruct WAV files.
func DecodeChunkAudio(payload []byte, sampleRate, channels int) ([]byte, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("persist: create decoder: %w", err)
	}
	var pcm []byte
	for off := 0; off+2 <= len(payload); {
		n := int(binary.BigEndian.Uint16(payload[off:]))
		off += 2
		if off+n > len(payload) {
			return nil, fmt.Errorf("persist: truncated packet at %d", off)
		}
		frame, err := dec.Decode(payload[off : off+n])
		if err != nil {
			return nil, fmt.Errorf("persist: decode packet at %d: %w", off, err)
		}
		pcm = append(pcm, frame...)
		off += n
	}
	return pcm, nil
}
