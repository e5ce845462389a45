package fabric

import (
	"math"
	"testing"

	"github.com/vivilabs/vivid/pkg/provider/stt"
)

func TestValidateSegments(t *testing.T) {
	t.Parallel()

	in := []stt.Segment{
		{Text: "   ", Start: 0, End: 1},                          // dropped: empty
		{Text: "hello there", Start: math.NaN(), End: 2},         // dropped: bad start
		{Text: "two words", Start: 3, End: 1, Speaker: "0"},      // repaired span
		{Text: "fine", Start: 5, End: 6.5, Speaker: "alice"},     // untouched
		{Text: "tail", Start: 7, End: math.Inf(1), Speaker: ""},  // repaired span
	}
	out := ValidateSegments(in)
	if len(out) != 3 {
		t.Fatalf("segments = %d, want 3", len(out))
	}
	if out[0].End != 4 { // 3 + 0.5*2 words
		t.Errorf("repaired end = %v, want 4", out[0].End)
	}
	if out[0].Speaker != "Speaker 0" {
		t.Errorf("speaker = %q", out[0].Speaker)
	}
	if out[1].Speaker != "alice" || out[1].End != 6.5 {
		t.Errorf("valid segment changed: %+v", out[1])
	}
	if out[2].End != 7.5 || out[2].Speaker != "SPEAKER_00" {
		t.Errorf("tail = %+v", out[2])
	}
}

func TestNormalizeSpeaker(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":         "SPEAKER_00",
		"None":     "SPEAKER_00",
		"  none  ": "SPEAKER_00",
		"2":        "Speaker 2",
		"Mary":     "Mary",
	}
	for in, want := range cases {
		if got := NormalizeSpeaker(in); got != want {
			t.Errorf("NormalizeSpeaker(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSpeakerList(t *testing.T) {
	t.Parallel()

	segs := []stt.Segment{
		{Speaker: "Mary"}, {Speaker: "SPEAKER_00"}, {Speaker: "Mary"},
	}
	got := SpeakerList(segs)
	if len(got) != 2 || got[0] != "Mary" || got[1] != "SPEAKER_00" {
		t.Errorf("speakers = %v", got)
	}
}
