package audio

import (
	"bytes"
	"testing"
	"time"
)

func TestFormatMath(t *testing.T) {
	t.Parallel()

	if bps := DefaultFormat.BytesPerSecond(); bps != 32000 {
		t.Errorf("BytesPerSecond = %d", bps)
	}
	if d := DefaultFormat.Duration(32000); d != time.Second {
		t.Errorf("Duration(32000) = %v", d)
	}
	if d := DefaultFormat.Duration(16000); d != 500*time.Millisecond {
		t.Errorf("Duration(16000) = %v", d)
	}
	if n := DefaultFormat.BytesFor(2 * time.Second); n != 64000 {
		t.Errorf("BytesFor(2s) = %d", n)
	}

	stereo48 := Format{SampleRate: 48000, Channels: 2, SampleWidth: 2}
	if bps := stereo48.BytesPerSecond(); bps != 192000 {
		t.Errorf("stereo BytesPerSecond = %d", bps)
	}

	var zero Format
	if d := zero.Duration(100); d != 0 {
		t.Errorf("zero-format Duration = %v", d)
	}
}

func TestBytesForRoundsToWholeFrames(t *testing.T) {
	t.Parallel()

	stereo := Format{SampleRate: 44100, Channels: 2, SampleWidth: 2}
	n := stereo.BytesFor(time.Second / 3)
	if n%4 != 0 {
		t.Errorf("BytesFor = %d, not frame-aligned", n)
	}
}

func TestInt16RoundTrip(t *testing.T) {
	t.Parallel()

	samples := []int16{0, 1, -1, 32767, -32768, 12345}
	got := BytesToInt16s(Int16sToBytes(samples))
	if len(got) != len(samples) {
		t.Fatalf("len = %d", len(got))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], samples[i])
		}
	}
}

func TestStereoToMonoAverages(t *testing.T) {
	t.Parallel()

	stereo := Int16sToBytes([]int16{100, 200, -50, 50, 32767, 32767})
	mono := BytesToInt16s(StereoToMono(stereo))
	want := []int16{150, 0, 32767}
	if len(mono) != len(want) {
		t.Fatalf("mono = %v", mono)
	}
	for i := range want {
		if mono[i] != want[i] {
			t.Errorf("frame %d = %d, want %d", i, mono[i], want[i])
		}
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	// Same rate returns the input unchanged.
	in := Int16sToBytes([]int16{1, 2, 3, 4})
	if out := ResampleMono16(in, 16000, 16000); !bytes.Equal(out, in) {
		t.Errorf("same-rate resample changed data")
	}

	// Downsampling halves the sample count.
	src := make([]int16, 320)
	for i := range src {
		src[i] = int16(i)
	}
	out := ResampleMono16(Int16sToBytes(src), 32000, 16000)
	if len(out) != 320 {
		t.Errorf("downsampled to %d bytes, want 320", len(out))
	}

	// A constant signal stays constant through interpolation.
	flat := make([]int16, 480)
	for i := range flat {
		flat[i] = 1000
	}
	for _, s := range BytesToInt16s(ResampleMono16(Int16sToBytes(flat), 48000, 16000)) {
		if s != 1000 {
			t.Fatalf("constant signal distorted: %d", s)
		}
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	// Canonical input passes through untouched.
	in := Int16sToBytes([]int16{5, 6, 7, 8})
	if out := Normalize(in, DefaultFormat); !bytes.Equal(out, in) {
		t.Error("canonical input modified")
	}

	// 48 kHz stereo is downmixed then resampled: 1 s in, 1 s out.
	stereo := make([]byte, 192000)
	out := Normalize(stereo, Format{SampleRate: 48000, Channels: 2, SampleWidth: 2})
	if len(out) != 32000 {
		t.Errorf("normalized length = %d, want 32000", len(out))
	}
}

func TestBuildWAV(t *testing.T) {
	t.Parallel()

	pcm := Int16sToBytes([]int16{1, 2, 3, 4})
	wav := BuildWAV(pcm, DefaultFormat)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length = %d", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Errorf("bad container magic: %q %q", wav[0:4], wav[8:12])
	}
	if string(wav[36:40]) != "data" {
		t.Errorf("missing data chunk: %q", wav[36:40])
	}
	if !bytes.Equal(wav[44:], pcm) {
		t.Error("payload corrupted")
	}
	// 16 kHz little-endian in the fmt chunk.
	if rate := int(wav[24]) | int(wav[25])<<8 | int(wav[26])<<16 | int(wav[27])<<24; rate != 16000 {
		t.Errorf("sample rate = %d", rate)
	}
}
