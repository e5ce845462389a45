// Package mock provides test doubles for the enrich package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/vivilabs/vivid/internal/enrich"
)

// ExtractCall records one invocation of Extractor.ExtractMemories.
type ExtractCall struct {
	Transcript string
	Speakers   []string
}

// Extractor is a scriptable enrich.MemoryExtractor.
type Extractor struct {
	mu sync.Mutex

	// Memories is returned by ExtractMemories when Err is nil.
	Memories []enrich.Memory

	// Err, if non-nil, is returned by every call.
	Err error

	// Calls records every invocation.
	Calls []ExtractCall
}

var _ enrich.MemoryExtractor = (*Extractor)(nil)

// ExtractMemories records the call and returns Memories, Err.
func (e *Extractor) ExtractMemories(_ context.Context, transcript string, speakers []string) ([]enrich.Memory, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = append(e.Calls, ExtractCall{Transcript: transcript, Speakers: speakers})
	if e.Err != nil {
		return nil, e.Err
	}
	return e.Memories, nil
}

// Summarizer is a scriptable enrich.Summarizer.
type Summarizer struct {
	mu sync.Mutex

	// Result is returned by Summarize when Err is nil.
	Result enrich.TitleSummary

	// Err, if non-nil, is returned by every call.
	Err error

	// Calls records every transcript passed to Summarize.
	Calls []string
}

var _ enrich.Summarizer = (*Summarizer)(nil)

// Summarize records the call and returns Result, Err.
func (s *Summarizer) Summarize(_ context.Context, transcript string) (enrich.TitleSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, transcript)
	if s.Err != nil {
		return enrich.TitleSummary{}, s.Err
	}
	return s.Result, nil
}
