// Package enrich defines the post-conversation enrichment contracts: memory
// extraction and title/summary generation over a finished transcript.
//
// The pipeline talks to the [MemoryExtractor] and [Summarizer] interfaces
// only; the OpenAI-backed implementation lives in this package and a
// scriptable test double in the mock subpackage.
package enrich

import "context"

// Memory is one discrete fact extracted from a conversation, phrased to be
// useful without the conversation it came from.
type Memory struct {
	// Content is the memory text, e.g. "Mary's dentist appointment is on
	// Thursday at 3pm".
	Content string `json:"content"`

	// Category groups memories for retrieval, e.g. "schedule", "preference",
	// "relationship". Free-form.
	Category string `json:"category,omitempty"`
}

// TitleSummary is the three-level description of a conversation.
type TitleSummary struct {
	// Title is a short label, a few words.
	Title string `json:"title"`

	// Summary is one or two sentences.
	Summary string `json:"summary"`

	// DetailedSummary covers the conversation's topics in a paragraph.
	DetailedSummary string `json:"detailed_summary"`
}

// MemoryExtractor extracts standalone memories from a transcript. Speakers
// lists identified speaker names when recognition ran; implementations use
// them to attribute facts.
type MemoryExtractor interface {
	ExtractMemories(ctx context.Context, transcript string, speakers []string) ([]Memory, error)
}

// Summarizer produces the title/summary triple for a transcript.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (TitleSummary, error)
}
