package fabric

import (
	"context"
	"sort"
	"strings"

	"github.com/vivilabs/vivid/pkg/provider/stt"
)

// CombinedView is the read-side join of a session's result stream: the
// conversation-so-far as one text with merged word and segment lists.
type CombinedView struct {
	Text       string
	Words      []stt.Word
	Segments   []stt.Segment
	ChunkCount int
	Provider   string
}

// WordCount returns the number of recognised words in the view.
func (v CombinedView) WordCount() int { return len(v.Words) }

// Duration returns the audio-time extent of the recognised speech in
// seconds: the end timestamp of the last word.
func (v CombinedView) Duration() float64 {
	if len(v.Words) == 0 {
		return 0
	}
	return v.Words[len(v.Words)-1].End
}

// Aggregator joins result-stream entries into a CombinedView.
type Aggregator struct {
	results *ResultStream
}

// NewAggregator returns an Aggregator over rs.
func NewAggregator(rs *ResultStream) *Aggregator {
	return &Aggregator{results: rs}
}

// Combined builds the current view for a session. Only final results
// contribute; for each chunk index the latest final wins, and a batch result
// supersedes a streaming result for the same index. Per-chunk texts are
// concatenated preserving chunk order.
func (a *Aggregator) Combined(ctx context.Context, sessionID string) (CombinedView, error) {
	all, err := a.results.All(ctx, sessionID)
	if err != nil {
		return CombinedView{}, err
	}
	return Combine(all), nil
}

// Combine implements the join over an already-loaded result list. Split out
// so the monitor can snapshot a view it has in hand.
func Combine(results []stt.Result) CombinedView {
	// Latest final per chunk index; batch supersedes streaming.
	best := make(map[int]stt.Result)
	for _, res := range results {
		if !res.IsFinal || res.Text == "" {
			continue
		}
		prev, ok := best[res.ChunkIndex]
		if ok && isBatch(prev.Provider) && !isBatch(res.Provider) {
			continue
		}
		best[res.ChunkIndex] = res
	}

	indices := make([]int, 0, len(best))
	for idx := range best {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var view CombinedView
	var texts []string
	for _, idx := range indices {
		res := best[idx]
		texts = append(texts, res.Text)
		view.Words = append(view.Words, res.Words...)
		view.Segments = append(view.Segments, res.Segments...)
		view.Provider = res.Provider
	}
	view.Text = strings.Join(texts, " ")
	view.ChunkCount = len(indices)
	return view
}

// isBatch reports whether a provider label denotes a batch re-transcription
// pass. Batch entries are written with a "batch:" prefix on the provider.
func isBatch(provider string) bool {
	return strings.HasPrefix(provider, "batch:")
}
