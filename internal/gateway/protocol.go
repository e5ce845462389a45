package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vivilabs/vivid/pkg/audio"
)

// Message types of the framed wire protocol. Client→server types are parsed
// by the state machine; server→client types are emitted by the send helpers.
const (
	TypeAudioStart  = "audio-start"
	TypeAudioChunk  = "audio-chunk"
	TypeAudioStop   = "audio-stop"
	TypeButtonEvent = "button-event"
	TypePing        = "ping"

	TypeReady   = "ready"
	TypeInterim = "interim_transcript"
	TypeError   = "error"
)

// Button states a device reports.
const (
	ButtonSinglePress = "SINGLE_PRESS"
	ButtonDoublePress = "DOUBLE_PRESS"
	ButtonLongPress   = "LONG_PRESS"
)

// Header is the newline-terminated JSON line that opens every framed
// message. PayloadLength > 0 announces that many raw bytes after the
// newline, within the same WebSocket frame.
type Header struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
	PayloadLength int             `json:"payload_length,omitempty"`
}

// AudioStartData is the payload of an audio-start header. Zero fields take
// the default capture format; an absent mode means streaming.
type AudioStartData struct {
	Rate     int    `json:"rate"`
	Width    int    `json:"width"`
	Channels int    `json:"channels"`
	Mode     string `json:"mode,omitempty"`
}

// Format returns the announced capture format, defaulting unset fields.
func (d AudioStartData) Format() audio.Format {
	f := audio.DefaultFormat
	if d.Rate > 0 {
		f.SampleRate = d.Rate
	}
	if d.Width > 0 {
		f.SampleWidth = d.Width
	}
	if d.Channels > 0 {
		f.Channels = d.Channels
	}
	return f
}

// ButtonData is the payload of a button-event header.
type ButtonData struct {
	State string `json:"state"`
}

// errorData is the body of a server→client error message.
type errorData struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// DecodeFrame splits one WebSocket frame into its header and payload.
// ok=false means the frame carries no parseable header and should be treated
// as a legacy raw-PCM chunk.
func DecodeFrame(data []byte) (Header, []byte, bool) {
	line := data
	var payload []byte
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line, payload = data[:i], data[i+1:]
	}
	var hdr Header
	if err := json.Unmarshal(line, &hdr); err != nil || hdr.Type == "" {
		return Header{}, nil, false
	}
	if hdr.PayloadLength > 0 && hdr.PayloadLength < len(payload) {
		payload = payload[:hdr.PayloadLength]
	}
	return hdr, payload, true
}

// EncodeMessage renders a server→client message as a newline-terminated
// header with inline data.
func EncodeMessage(typ string, data any) ([]byte, error) {
	hdr := struct {
		Type string `json:"type"`
		Data any    `json:"data,omitempty"`
	}{Type: typ, Data: data}
	b, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode %s: %w", typ, err)
	}
	return append(b, '\n'), nil
}

// EncodeChunk renders a client→server audio-chunk message: header line plus
// the raw payload in one frame. Used by test clients and device simulators.
func EncodeChunk(payload []byte) []byte {
	hdr, _ := json.Marshal(Header{Type: TypeAudioChunk, PayloadLength: len(payload)})
	out := make([]byte, 0, len(hdr)+1+len(payload))
	out = append(out, hdr...)
	out = append(out, '\n')
	return append(out, payload...)
}
