// Package opus wraps gopus decoders and encoders for the two places the
// pipeline touches Opus: decoding packets from wearable clients at the
// gateway, and compressing stored audio chunks in the persistence worker.
//
// Decoders and encoders hold codec state and must not be shared across
// streams; create one per client or per conversation.
package opus

import (
	"fmt"

	"layeh.com/gopus"
)

const (
	// frameSizeMs is the packet frame duration used by both wearables and
	// chunk storage.
	frameSizeMs = 20

	// maxFrameSize bounds the decoded sample count per packet: 120 ms at
	// 48 kHz, the largest frame Opus allows.
	maxFrameSize = 5760
)

// Decoder decodes Opus packets into little-endian int16 PCM bytes.
type Decoder struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
}

// NewDecoder creates a decoder for the given output sample rate and channel
// count. Wearable clients send 16 kHz mono.
func NewDecoder(sampleRate, channels int) (*Decoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec, sampleRate: sampleRate, channels: channels}, nil
}

// Decode decodes one Opus packet and returns interleaved PCM bytes.
func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, maxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// Encoder encodes little-endian int16 PCM bytes into Opus packets.
type Encoder struct {
	enc        *gopus.Encoder
	sampleRate int
	channels   int
	frameSize  int
}

// NewEncoder creates an encoder for the given input sample rate and channel
// count. Chunk storage uses 16 kHz mono.
func NewEncoder(sampleRate, channels int) (*Encoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	return &Encoder{
		enc:        enc,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  sampleRate * frameSizeMs / 1000,
	}, nil
}

// FrameBytes returns the PCM byte count of one 20 ms frame at the encoder's
// format. Encode input must be a whole number of frames.
func (e *Encoder) FrameBytes() int {
	return e.frameSize * e.channels * 2
}

// Encode encodes exactly one 20 ms PCM frame into an Opus packet.
func (e *Encoder) Encode(pcmBytes []byte) ([]byte, error) {
	if len(pcmBytes) != e.FrameBytes() {
		return nil, fmt.Errorf("opus: encode: want %d bytes per frame, got %d", e.FrameBytes(), len(pcmBytes))
	}
	packet, err := e.enc.Encode(bytesToInt16s(pcmBytes), e.frameSize, len(pcmBytes))
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return packet, nil
}

func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
