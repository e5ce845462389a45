package audio

import "encoding/binary"

// BuildWAV wraps raw PCM bytes in a minimal RIFF/WAVE container. The result
// is suitable for batch STT submission and speaker-recognition uploads.
func BuildWAV(pcm []byte, f Format) []byte {
	const headerLen = 44
	out := make([]byte, headerLen+len(pcm))

	byteRate := f.SampleRate * f.Channels * f.SampleWidth
	blockAlign := f.Channels * f.SampleWidth

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], uint16(f.SampleWidth*8))
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[headerLen:], pcm)

	return out
}
