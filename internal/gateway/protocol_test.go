package gateway

import (
	"bytes"
	"testing"
)

func TestDecodeFrameHeaderWithPayload(t *testing.T) {
	t.Parallel()

	payload := []byte{1, 2, 3, 4}
	frame := EncodeChunk(payload)

	hdr, got, ok := DecodeFrame(frame)
	if !ok || hdr.Type != TypeAudioChunk {
		t.Fatalf("hdr = %+v, ok = %v", hdr, ok)
	}
	if hdr.PayloadLength != 4 || !bytes.Equal(got, payload) {
		t.Errorf("payload = %v (len %d)", got, hdr.PayloadLength)
	}
}

func TestDecodeFrameHeaderOnly(t *testing.T) {
	t.Parallel()

	hdr, payload, ok := DecodeFrame([]byte(`{"type":"ping"}`))
	if !ok || hdr.Type != TypePing || len(payload) != 0 {
		t.Errorf("hdr = %+v, payload = %v, ok = %v", hdr, payload, ok)
	}
}

func TestDecodeFrameTrimsOverlongPayload(t *testing.T) {
	t.Parallel()

	frame := append([]byte(`{"type":"audio-chunk","payload_length":2}`+"\n"), 9, 9, 9, 9)
	hdr, payload, ok := DecodeFrame(frame)
	if !ok || hdr.Type != TypeAudioChunk || len(payload) != 2 {
		t.Errorf("hdr = %+v, payload = %v", hdr, payload)
	}
}

func TestDecodeFrameRejectsRawPCM(t *testing.T) {
	t.Parallel()

	if _, _, ok := DecodeFrame(make([]byte, 640)); ok {
		t.Error("raw PCM parsed as a header")
	}
	if _, _, ok := DecodeFrame([]byte(`{"data":{"x":1}}`)); ok {
		t.Error("typeless header accepted")
	}
}

func TestEncodeMessageNewlineTerminated(t *testing.T) {
	t.Parallel()

	msg, err := EncodeMessage(TypeReady, map[string]any{"message": "authenticated"})
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if msg[len(msg)-1] != '\n' {
		t.Errorf("message not newline-terminated: %q", msg)
	}
	if !bytes.Contains(msg, []byte(`"type":"ready"`)) {
		t.Errorf("message = %q", msg)
	}
}

func TestAudioStartFormatDefaults(t *testing.T) {
	t.Parallel()

	f := AudioStartData{}.Format()
	if f.SampleRate != 16000 || f.Channels != 1 || f.SampleWidth != 2 {
		t.Errorf("default format = %+v", f)
	}
	f = AudioStartData{Rate: 48000, Channels: 2}.Format()
	if f.SampleRate != 48000 || f.Channels != 2 || f.SampleWidth != 2 {
		t.Errorf("format = %+v", f)
	}
}
