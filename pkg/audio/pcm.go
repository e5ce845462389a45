// Package audio provides PCM helpers shared by the gateway, the persistence
// worker, and the post-processing chain: format descriptors, duration math,
// sample conversion, downmixing, resampling, and WAV container assembly.
//
// All PCM in this package is little-endian signed 16-bit unless a Format says
// otherwise.
package audio

import "time"

// Format describes raw PCM audio: sample rate in Hz, channel count, and
// sample width in bytes per sample (2 = int16).
type Format struct {
	SampleRate  int `json:"rate"`
	Channels    int `json:"channels"`
	SampleWidth int `json:"width"`
}

// DefaultFormat is the format assumed for headerless legacy audio chunks:
// 16 kHz mono 16-bit, the common wearable capture format.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1, SampleWidth: 2}

// BytesPerSecond returns the PCM byte rate for the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.SampleWidth
}

// Duration returns the play time of n PCM bytes in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(bps) * float64(time.Second))
}

// BytesFor returns the PCM byte count covering d of audio, rounded down to a
// whole frame (sample across all channels).
func (f Format) BytesFor(d time.Duration) int {
	n := int(d.Seconds() * float64(f.BytesPerSecond()))
	frame := f.Channels * f.SampleWidth
	if frame <= 0 {
		return n
	}
	return n - n%frame
}

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// Normalize converts PCM in the given format to 16 kHz mono 16-bit, the
// canonical format for chunk storage and batch transcription. Stereo input is
// downmixed before resampling.
func Normalize(pcm []byte, f Format) []byte {
	if f.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	if f.SampleRate != DefaultFormat.SampleRate {
		pcm = ResampleMono16(pcm, f.SampleRate, DefaultFormat.SampleRate)
	}
	return pcm
}
