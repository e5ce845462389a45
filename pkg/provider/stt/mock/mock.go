// Package mock provides test doubles for the stt package interfaces.
//
// Use Streaming to verify that the caller starts sessions with the expected
// StreamConfig and to feed controlled Result values. Use Batch to script the
// result of a prerecorded transcription.
package mock

import (
	"context"
	"sync"

	"github.com/vivilabs/vivid/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Streaming.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Streaming is a mock implementation of stt.StreamingProvider.
type Streaming struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Caps is returned by Capabilities.
	Caps stt.Capabilities

	// Session is the handle returned by StartStream. If nil, StartStream
	// returns a new default Session with a buffered results channel.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

var _ stt.StreamingProvider = (*Streaming)(nil)

// Name implements stt.StreamingProvider.
func (p *Streaming) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Capabilities implements stt.StreamingProvider.
func (p *Streaming) Capabilities() stt.Capabilities { return p.Caps }

// StartStream records the call and returns Session, StartStreamErr.
func (p *Streaming) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(16), nil
}

// Session is a mock implementation of stt.SessionHandle. Tests send scripted
// results on ResultsCh and close it (or call Close) when done.
type Session struct {
	mu sync.Mutex

	// ResultsCh is the channel returned by Results. Tests own this channel.
	ResultsCh chan stt.Result

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// Sent records a copy of every chunk passed to SendAudio.
	Sent [][]byte

	closed bool
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns a Session with a results channel of the given buffer depth.
func NewSession(buf int) *Session {
	return &Session{ResultsCh: make(chan stt.Result, buf)}
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Sent = append(s.Sent, cp)
	return s.SendAudioErr
}

// Results returns ResultsCh.
func (s *Session) Results() <-chan stt.Result { return s.ResultsCh }

// Close closes ResultsCh once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ResultsCh)
	}
	return nil
}

// TranscribeCall records a single invocation of Batch.Transcribe.
type TranscribeCall struct {
	WAV        []byte
	SampleRate int
	Hints      []string
}

// Batch is a mock implementation of stt.BatchProvider.
type Batch struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock-batch".
	ProviderName string

	// Caps is returned by Capabilities.
	Caps stt.Capabilities

	// Result is returned by Transcribe when TranscribeErr is nil.
	Result stt.Result

	// TranscribeErr, if non-nil, is returned by Transcribe.
	TranscribeErr error

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall
}

var _ stt.BatchProvider = (*Batch)(nil)

// Name implements stt.BatchProvider.
func (p *Batch) Name() string {
	if p.ProviderName == "" {
		return "mock-batch"
	}
	return p.ProviderName
}

// Capabilities implements stt.BatchProvider.
func (p *Batch) Capabilities() stt.Capabilities { return p.Caps }

// Transcribe records the call and returns Result, TranscribeErr.
func (p *Batch) Transcribe(_ context.Context, wav []byte, sampleRate int, hints []string) (stt.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{WAV: wav, SampleRate: sampleRate, Hints: hints})
	if p.TranscribeErr != nil {
		return stt.Result{}, p.TranscribeErr
	}
	return p.Result, nil
}
