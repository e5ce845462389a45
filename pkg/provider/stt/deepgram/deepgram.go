// Package deepgram provides a Deepgram-backed STT provider. It implements
// both stt.StreamingProvider (streaming WebSocket API) and stt.BatchProvider
// (prerecorded API).
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/vivilabs/vivid/pkg/provider/stt"
)

const (
	streamEndpoint    = "wss://api.deepgram.com/v1/listen"
	batchEndpoint     = "https://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithDiarization toggles speaker diarization. Enabled by default; the
// pipeline prefers provider speaker labels over the speaker service when
// available.
func WithDiarization(enabled bool) Option {
	return func(p *Provider) { p.diarize = enabled }
}

// WithHTTPClient overrides the HTTP client used for batch requests and the
// WebSocket dial. Used by tests to point at a local server.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithBaseURL overrides both API endpoints. The scheme is adjusted per call
// (https for batch, wss for streaming).
func WithBaseURL(base string) Option {
	return func(p *Provider) { p.baseURL = base }
}

// Provider implements stt.StreamingProvider and stt.BatchProvider backed by
// the Deepgram API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	diarize    bool
	baseURL    string
	httpClient *http.Client
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		diarize:    true,
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements stt.StreamingProvider.
func (p *Provider) Name() string { return "deepgram" }

// Capabilities implements stt.StreamingProvider.
func (p *Provider) Capabilities() stt.Capabilities {
	return stt.Capabilities{
		Streaming:      true,
		Batch:          true,
		Diarization:    p.diarize,
		WordTimestamps: true,
		Multilingual:   true,
	}
}

// StartStream opens a streaming transcription session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildStreamURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		conn:     conn,
		provider: p.Name(),
		results:  make(chan stt.Result, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildStreamURL constructs the Deepgram streaming endpoint URL for the config.
func (p *Provider) buildStreamURL(cfg stt.StreamConfig) (string, error) {
	base := streamEndpoint
	if p.baseURL != "" {
		base = p.baseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Scheme == "http" {
		u.Scheme = "ws"
	} else if u.Scheme == "https" {
		u.Scheme = "wss"
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if p.diarize {
		q.Set("diarize", "true")
	}
	for _, hint := range cfg.Hints {
		q.Add("keywords", hint)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// streamResponse is the JSON structure Deepgram sends for a Results event.
type streamResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []alternative `json:"alternatives"`
	} `json:"channel"`
}

type alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	Words      []struct {
		Word       string  `json:"word"`
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Confidence float64 `json:"confidence"`
		Speaker    *int    `json:"speaker"`
	} `json:"words"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	provider string
	results  chan stt.Result
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	// chunkIndex counts emitted finals so results order within the session.
	mu         sync.Mutex
	chunkIndex int
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	}
}

// Results returns the channel of interim and final results.
func (s *session) Results() <-chan stt.Result { return s.results }

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Ask Deepgram to flush pending audio before the socket drops.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches them to the
// results channel.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation.
			return
		}

		res, ok := s.parseResponse(msg)
		if !ok {
			continue
		}

		select {
		case s.results <- res:
		case <-s.done:
		}
	}
}

// parseResponse parses a raw Deepgram WebSocket message into a Result.
// Returns (zero, false) if the message should be ignored.
func (s *session) parseResponse(data []byte) (stt.Result, bool) {
	var resp streamResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Result{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return stt.Result{}, false
	}

	alt := resp.Channel.Alternatives[0]
	res := altToResult(alt, s.provider)
	res.IsFinal = resp.IsFinal

	s.mu.Lock()
	res.ChunkIndex = s.chunkIndex
	if resp.IsFinal {
		s.chunkIndex++
	}
	s.mu.Unlock()

	return res, true
}

// altToResult converts a Deepgram alternative into an stt.Result, deriving
// per-speaker segments from word speaker labels when diarization is on.
func altToResult(alt alternative, provider string) stt.Result {
	words := make([]stt.Word, 0, len(alt.Words))
	for _, w := range alt.Words {
		word := stt.Word{
			Word:       w.Word,
			Start:      w.Start,
			End:        w.End,
			Confidence: w.Confidence,
		}
		if w.Speaker != nil {
			word.Speaker = fmt.Sprintf("Speaker %d", *w.Speaker)
		}
		words = append(words, word)
	}

	return stt.Result{
		Text:     alt.Transcript,
		Words:    words,
		Segments: segmentsFromWords(words),
		Provider: provider,
	}
}

// segmentsFromWords groups consecutive words by speaker label into segments.
// Returns nil when no word carries a speaker (diarization off).
func segmentsFromWords(words []stt.Word) []stt.Segment {
	var segs []stt.Segment
	for _, w := range words {
		if w.Speaker == "" {
			return nil
		}
		if n := len(segs); n > 0 && segs[n-1].Speaker == w.Speaker {
			segs[n-1].End = w.End
			segs[n-1].Text += " " + w.Word
			continue
		}
		segs = append(segs, stt.Segment{
			Start:   w.Start,
			End:     w.End,
			Text:    w.Word,
			Speaker: w.Speaker,
			Type:    "speech",
		})
	}
	return segs
}
