package fabric

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/vivilabs/vivid/pkg/provider/stt"
)

// ValidateSegments filters and repairs provider segments before they reach
// plugins or storage. A segment survives iff its text is non-empty after
// trimming and its bounds are numeric; a non-positive span is replaced with
// half a second per word.
func ValidateSegments(segments []stt.Segment) []stt.Segment {
	out := make([]stt.Segment, 0, len(segments))
	for _, seg := range segments {
		seg.Text = strings.TrimSpace(seg.Text)
		if seg.Text == "" {
			continue
		}
		if math.IsNaN(seg.Start) || math.IsInf(seg.Start, 0) {
			continue
		}
		if math.IsNaN(seg.End) || math.IsInf(seg.End, 0) || seg.End <= seg.Start {
			words := len(strings.Fields(seg.Text))
			seg.End = seg.Start + 0.5*float64(words)
		}
		seg.Speaker = NormalizeSpeaker(seg.Speaker)
		out = append(out, seg)
	}
	return out
}

// NormalizeSpeaker maps the provider's speaker labels onto the stored form:
// absent labels become "SPEAKER_00", bare diarization indexes become
// "Speaker N", anything else passes through.
func NormalizeSpeaker(speaker string) string {
	speaker = strings.TrimSpace(speaker)
	if speaker == "" || strings.EqualFold(speaker, "none") {
		return "SPEAKER_00"
	}
	if n, err := strconv.Atoi(speaker); err == nil {
		return fmt.Sprintf("Speaker %d", n)
	}
	return speaker
}

// SpeakerList returns the distinct normalised speakers in segment order.
func SpeakerList(segments []stt.Segment) []string {
	seen := make(map[string]struct{})
	var speakers []string
	for _, seg := range segments {
		if _, ok := seen[seg.Speaker]; ok {
			continue
		}
		seen[seg.Speaker] = struct{}{}
		speakers = append(speakers, seg.Speaker)
	}
	return speakers
}
