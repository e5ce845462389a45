// Package stt defines the provider interfaces for speech-to-text backends.
//
// Two shapes of provider exist. A StreamingProvider wraps a real-time service
// (e.g. Deepgram's streaming WebSocket API): once a stream is open it accepts
// raw PCM and emits interim and final Result values as the service commits to
// them. A BatchProvider accepts a complete WAV recording and returns a single
// Result. A backend may implement both.
//
// Implementations must be safe for concurrent use; multiple sessions may be
// open simultaneously.
package stt

import "context"

// Word is a single recognised word with provider timestamps in seconds
// relative to the start of the audio stream.
type Word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
	Speaker    string  `json:"speaker,omitempty"`
}

// Segment is a contiguous span of speech attributed to one speaker. Type is
// "speech" for spoken audio and "event" for non-speech markers the provider
// emits (applause, music).
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker"`
	Type    string  `json:"type"`
}

// Result is one transcription result. For streaming providers interim results
// carry IsFinal=false and may be revised; finals are authoritative. ChunkIndex
// orders results within a session.
type Result struct {
	ChunkIndex int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Words      []Word    `json:"words"`
	Segments   []Segment `json:"segments,omitempty"`
	Provider   string    `json:"provider"`
	IsFinal    bool      `json:"is_final"`
}

// Capabilities advertises what a provider can do. Downstream stages use these
// flags to decide whether diarization must come from the speaker service and
// whether word timestamps can drive inactivity detection.
type Capabilities struct {
	Streaming      bool `json:"streaming"`
	Batch          bool `json:"batch"`
	Diarization    bool `json:"diarization"`
	WordTimestamps bool `json:"word_timestamps"`
	Multilingual   bool `json:"multilingual"`
}

// StreamConfig describes the audio format and recognition hints for a new
// streaming session.
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz.
	SampleRate int

	// Channels is the channel count; 1 is required by most providers.
	Channels int

	// Language is a BCP-47 tag. Empty lets the provider auto-detect.
	Language string

	// Hints lists vocabulary the recognizer should boost.
	Hints []string
}

// SessionHandle is an open streaming transcription session.
//
// Callers must call Close when done; failing to do so leaks goroutines and
// connections inside the provider. All methods are safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers raw PCM bytes matching the StreamConfig format.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Results returns the channel of interim and final results. The channel
	// is closed when the session ends.
	Results() <-chan Result

	// Close flushes pending audio, terminates the session, and closes the
	// Results channel. Safe to call more than once.
	Close() error
}

// StreamingProvider is the abstraction over a real-time STT backend.
type StreamingProvider interface {
	// Name identifies the provider in stored transcript versions.
	Name() string

	// Capabilities reports what the provider supports.
	Capabilities() Capabilities

	// StartStream opens a streaming session. The returned handle accepts
	// audio immediately. The caller owns the handle and must Close it.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// BatchProvider is the abstraction over a prerecorded-audio STT backend.
type BatchProvider interface {
	Name() string
	Capabilities() Capabilities

	// Transcribe submits a complete WAV recording and returns the final
	// result. hints carries context vocabulary (titles of recent
	// conversations, enrolled speaker names).
	Transcribe(ctx context.Context, wav []byte, sampleRate int, hints []string) (Result, error)
}
