// Package gateway is the WebSocket front door: it authenticates device and
// browser clients, parses the framed audio protocol, decodes Opus, publishes
// PCM into the stream fabric, and owns the per-connection session lifecycle.
//
// One connection maps to one client id (deterministic from user and device
// name) and at most one live session at a time; a connection can run many
// sessions in sequence. Everything downstream of the gateway coordinates
// through the session store and the job queue, never through the connection.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/vivilabs/vivid/internal/fabric"
	"github.com/vivilabs/vivid/internal/jobs"
	"github.com/vivilabs/vivid/internal/observe"
	"github.com/vivilabs/vivid/internal/plugins"
	"github.com/vivilabs/vivid/internal/session"
	"github.com/vivilabs/vivid/internal/store"
)

// Codec names accepted on the handshake query.
const (
	CodecPCM  = "pcm"
	CodecOpus = "opus"
)

// ConversationStore is the slice of conversation storage batch-mode flushes
// write to.
type ConversationStore interface {
	Create(ctx context.Context, c *store.Conversation) error
	InsertChunk(ctx context.Context, c store.Chunk) error
}

// Server accepts WebSocket connections on /ws and runs one client state
// machine per connection.
type Server struct {
	sessions   *session.Store
	stream     *fabric.AudioStream
	interim    *fabric.Interim
	queue      *jobs.Client
	convs      ConversationStore
	auth       Authenticator
	dispatcher plugins.Dispatcher
	metrics    *observe.Metrics
	log        *slog.Logger
	decode     *decodePool

	providerName  string
	streamingOK   bool
	alwaysPersist bool
	chunkSeconds  int
	flushAfter    time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithProvider names the configured STT provider and whether it supports
// streaming. Without streaming support, browser clients asking for streaming
// mode are refused and wearables silently downgrade to batch.
func WithProvider(name string, streaming bool) Option {
	return func(s *Server) {
		s.providerName = name
		s.streamingOK = streaming
	}
}

// WithDispatcher sets the plugin event dispatcher. Default none.
func WithDispatcher(d plugins.Dispatcher) Option {
	return func(s *Server) { s.dispatcher = d }
}

// WithMetrics sets the metrics instruments. Default none.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithAlwaysPersist marks every session always-persist: audio is stored even
// when no speech is ever detected.
func WithAlwaysPersist(v bool) Option {
	return func(s *Server) { s.alwaysPersist = v }
}

// WithBatchFlush sets the rolling flush interval for batch-mode uploads.
// Default 30 minutes.
func WithBatchFlush(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.flushAfter = d
		}
	}
}

// WithChunkSeconds sets the stored chunk duration for batch-mode flushes.
// Default 60.
func WithChunkSeconds(secs int) Option {
	return func(s *Server) {
		if secs > 0 {
			s.chunkSeconds = secs
		}
	}
}

// WithDecodeConcurrency caps concurrent Opus decodes. Default NumCPU.
func WithDecodeConcurrency(n int) Option {
	return func(s *Server) { s.decode = newDecodePool(n) }
}

// NewServer returns a gateway server.
func NewServer(sessions *session.Store, stream *fabric.AudioStream, interim *fabric.Interim, queue *jobs.Client, convs ConversationStore, auth Authenticator, opts ...Option) *Server {
	s := &Server{
		sessions:     sessions,
		stream:       stream,
		interim:      interim,
		queue:        queue,
		convs:        convs,
		auth:         auth,
		log:          slog.Default(),
		decode:       newDecodePool(0),
		chunkSeconds: 60,
		flushAfter:   30 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the connection and runs the client loop until the peer
// goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}

	ctx := r.Context()
	if s.metrics != nil {
		s.metrics.ActiveConnections.Add(ctx, 1)
		defer s.metrics.ActiveConnections.Add(ctx, -1)
	}

	codec := r.URL.Query().Get("codec")
	if codec == "" {
		codec = CodecPCM
	}
	if codec != CodecPCM && codec != CodecOpus {
		s.refuse(ctx, conn, "unsupported_codec", "codec must be pcm or opus")
		return
	}

	identity, err := s.auth.Authenticate(bearerToken(r))
	if err != nil {
		s.refuse(ctx, conn, "auth_failed", "token rejected")
		return
	}

	deviceName := r.URL.Query().Get("device_name")
	if deviceName == "" {
		deviceName = "default"
	}

	c := newClient(s, conn, codec, identity, deviceName)
	c.run(ctx)
}

// refuse sends the typed error message and closes with policy violation.
func (s *Server) refuse(ctx context.Context, conn *websocket.Conn, code, message string) {
	msg, err := EncodeMessage(TypeError, errorData{
		Error:   code,
		Message: message,
		Code:    int(websocket.StatusPolicyViolation),
	})
	if err == nil {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = conn.Write(writeCtx, websocket.MessageText, msg)
		cancel()
	}
	_ = conn.Close(websocket.StatusPolicyViolation, code)
}

// bearerToken extracts the client token from the query string or the
// Authorization header.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return auth
}
