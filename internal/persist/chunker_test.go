package persist

import (
	"testing"

	"github.com/vivilabs/vivid/pkg/audio"
)

// secondOfSilence returns one second of silent PCM in the storage format.
func secondOfSilence() []byte {
	return make([]byte, storageFormat.BytesPerSecond())
}

func TestChunkerEmitsAtBoundary(t *testing.T) {
	c, err := NewChunker(2)
	if err != nil {
		t.Fatalf("NewChunker: %v", err)
	}

	chunks, err := c.Add(secondOfSilence(), storageFormat)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("chunk emitted before boundary: %d", len(chunks))
	}

	chunks, err = c.Add(secondOfSilence(), storageFormat)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	got := chunks[0]
	if got.ChunkIndex != 0 || got.StartTime != 0 || got.Duration != 2 || got.EndTime != 2 {
		t.Errorf("chunk = %+v", got)
	}
	if got.SampleRate != 16000 || got.Channels != 1 || got.SampleWidth != 2 {
		t.Errorf("format = %d/%d/%d", got.SampleRate, got.Channels, got.SampleWidth)
	}
	if len(got.Audio) == 0 {
		t.Error("empty payload")
	}
}

func TestChunkerDenseIndexes(t *testing.T) {
	c, err := NewChunker(1)
	if err != nil {
		t.Fatalf("NewChunker: %v", err)
	}

	var all []int
	for i := 0; i < 3; i++ {
		chunks, err := c.Add(secondOfSilence(), storageFormat)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		for _, ch := range chunks {
			all = append(all, ch.ChunkIndex)
		}
	}
	if len(all) != 3 || all[0] != 0 || all[1] != 1 || all[2] != 2 {
		t.Errorf("indexes = %v", all)
	}
}

func TestChunkerResetRestartsNumbering(t *testing.T) {
	c, err := NewChunker(1)
	if err != nil {
		t.Fatalf("NewChunker: %v", err)
	}
	if _, err := c.Add(secondOfSilence(), storageFormat); err != nil {
		t.Fatalf("Add: %v", err)
	}
	c.Reset()
	chunks, err := c.Add(secondOfSilence(), storageFormat)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(chunks) != 1 || chunks[0].ChunkIndex != 0 || chunks[0].StartTime != 0 {
		t.Errorf("chunks after reset = %+v", chunks)
	}
}

func TestChunkerFlushPartial(t *testing.T) {
	c, err := NewChunker(60)
	if err != nil {
		t.Fatalf("NewChunker: %v", err)
	}
	if _, err := c.Add(secondOfSilence(), storageFormat); err != nil {
		t.Fatalf("Add: %v", err)
	}
	chunk, err := c.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if chunk == nil || chunk.Duration != 1 {
		t.Fatalf("flushed chunk = %+v", chunk)
	}

	// Empty buffer flushes to nothing.
	chunk, err = c.Flush()
	if err != nil || chunk != nil {
		t.Errorf("second flush = %+v, %v", chunk, err)
	}
}

func TestChunkerNormalisesInput(t *testing.T) {
	c, err := NewChunker(1)
	if err != nil {
		t.Fatalf("NewChunker: %v", err)
	}
	// 48 kHz stereo input downmixes and resamples to one second of storage audio.
	src := audio.Format{SampleRate: 48000, Channels: 2, SampleWidth: 2}
	chunks, err := c.Add(make([]byte, src.BytesPerSecond()), src)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
}

func TestChunkRoundTrip(t *testing.T) {
	c, err := NewChunker(1)
	if err != nil {
		t.Fatalf("NewChunker: %v", err)
	}
	chunks, err := c.Add(secondOfSilence(), storageFormat)
	if err != nil || len(chunks) != 1 {
		t.Fatalf("Add: %v (%d chunks)", err, len(chunks))
	}
	pcm, err := DecodeChunkAudio(chunks[0].Audio, 16000, 1)
	if err != nil {
		t.Fatalf("DecodeChunkAudio: %v", err)
	}
	if len(pcm) != storageFormat.BytesPerSecond() {
		t.Errorf("decoded %d bytes, want %d", len(pcm), storageFormat.BytesPerSecond())
	}
}
