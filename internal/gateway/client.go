package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/vivilabs/vivid/internal/fabric"
	"github.com/vivilabs/vivid/internal/jobs"
	"github.com/vivilabs/vivid/internal/observe"
	"github.com/vivilabs/vivid/internal/persist"
	"github.com/vivilabs/vivid/internal/pipeline"
	"github.com/vivilabs/vivid/internal/plugins"
	"github.com/vivilabs/vivid/internal/session"
	"github.com/vivilabs/vivid/internal/store"
	"github.com/vivilabs/vivid/internal/streaming"
	"github.com/vivilabs/vivid/pkg/audio"
	"github.com/vivilabs/vivid/pkg/audio/opus"
	"github.com/vivilabs/vivid/pkg/provider/stt"
)

// errRefused ends the connection with a policy-violation close after a typed
// error message has been sent.
var errRefused = errors.New("gateway: connection refused")

// client is the per-connection state machine. All session state is touched
// only by the read loop; the interim forwarder shares nothing but the write
// mutex.
type client struct {
	srv        *Server
	conn       *websocket.Conn
	codec      string
	identity   Identity
	deviceName string
	clientID   string
	log        *slog.Logger

	writeMu sync.Mutex

	sessionID     string
	mode          session.Mode
	format        audio.Format
	audioActive   bool
	sessionOpen   bool
	opusDec       *opus.Decoder
	batchBuf      []byte
	batchPart     int
	pending       []session.Marker
	interimCancel context.CancelFunc
}

// newClient builds the state machine for one accepted connection. The client
// id — and therefore the session id — is a stable UUID derived from the user
// and the device name, so a reconnecting device lands on the same stream.
func newClient(s *Server, conn *websocket.Conn, codec string, id Identity, deviceName string) *client {
	clientID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(id.UserID+"\n"+deviceName)).String()
	return &client{
		srv:        s,
		conn:       conn,
		codec:      codec,
		identity:   id,
		deviceName: deviceName,
		clientID:   clientID,
		log: s.log.With(
			"client_id", clientID,
			"user_id", id.UserID,
			"codec", codec,
		),
	}
}

// run drives the read loop until the peer disconnects, then tears the
// session down.
func (c *client) run(ctx context.Context) {
	defer c.teardown()

	if err := c.send(ctx, TypeReady, map[string]any{"message": "authenticated"}); err != nil {
		return
	}
	c.log.Info("client connected", "device_name", c.deviceName)

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				c.log.Info("client closed connection")
			} else {
				c.log.Info("client disconnected", "err", err)
			}
			return
		}
		if err := c.handleFrame(ctx, typ, data); err != nil {
			if !errors.Is(err, errRefused) {
				c.log.Error("session fatal", "err", err)
				_ = c.conn.Close(websocket.StatusInternalError, "session error")
			}
			return
		}
	}
}

// handleFrame routes one WebSocket frame. A nil return keeps the connection
// alive; protocol errors are logged and skipped per the error policy.
func (c *client) handleFrame(ctx context.Context, typ websocket.MessageType, data []byte) error {
	hdr, payload, ok := DecodeFrame(data)
	if !ok {
		if typ == websocket.MessageBinary {
			// Legacy clients send raw PCM frames with no header.
			return c.handleChunk(ctx, data)
		}
		c.log.Warn("unparseable text frame, skipping", "bytes", len(data))
		return nil
	}

	switch hdr.Type {
	case TypeAudioStart:
		var d AudioStartData
		if len(hdr.Data) > 0 {
			if err := json.Unmarshal(hdr.Data, &d); err != nil {
				c.log.Warn("bad audio-start data, skipping", "err", err)
				return nil
			}
		}
		return c.handleStart(ctx, d)
	case TypeAudioChunk:
		return c.handleChunk(ctx, payload)
	case TypeAudioStop:
		return c.stopSession(ctx, session.ReasonUserStopped)
	case TypeButtonEvent:
		var d ButtonData
		if len(hdr.Data) > 0 {
			_ = json.Unmarshal(hdr.Data, &d)
		}
		c.handleButton(ctx, d.State)
		return nil
	case TypePing:
		return nil
	default:
		c.log.Warn("unknown message type, skipping", "type", hdr.Type)
		return nil
	}
}

// handleStart initializes the session. A duplicate audio-start while audio
// is already flowing is tolerated and changes nothing.
func (c *client) handleStart(ctx context.Context, d AudioStartData) error {
	if c.audioActive {
		c.log.Debug("duplicate audio-start ignored")
		return nil
	}

	mode := session.Mode(d.Mode)
	if d.Mode == "" {
		mode = session.ModeStreaming
	}
	if !mode.IsValid() {
		c.log.Warn("unknown mode, skipping audio-start", "mode", d.Mode)
		return nil
	}
	if mode == session.ModeStreaming && !c.srv.streamingOK {
		if c.codec == CodecPCM {
			// Browsers are told; wearables fall back to batch so audio is
			// never lost in the field.
			c.srv.refuse(ctx, c.conn, "streaming_not_configured", "no streaming transcription provider is configured")
			return errRefused
		}
		c.log.Info("streaming unavailable, downgrading to batch")
		mode = session.ModeBatch
	}

	c.mode = mode
	c.format = d.Format()
	if err := c.initSession(ctx); err != nil {
		return err
	}
	c.audioActive = true
	return nil
}

// initSession creates the session record and starts the per-session workers.
func (c *client) initSession(ctx context.Context) error {
	c.sessionID = c.clientID
	formatJSON, err := json.Marshal(c.format)
	if err != nil {
		return fmt.Errorf("gateway: encode audio format: %w", err)
	}
	rec := session.Record{
		SessionID:     c.sessionID,
		UserID:        c.identity.UserID,
		UserEmail:     c.identity.Email,
		ClientID:      c.clientID,
		Mode:          c.mode,
		Provider:      c.srv.providerName,
		AudioFormat:   string(formatJSON),
		AlwaysPersist: c.srv.alwaysPersist,
	}
	if err := c.srv.sessions.Init(ctx, rec); err != nil {
		return err
	}
	for _, m := range c.pending {
		if err := c.srv.sessions.AddMarker(ctx, c.sessionID, m); err != nil {
			c.log.Warn("could not persist buffered marker", "err", err)
		}
	}
	c.pending = nil

	if c.mode == session.ModeStreaming {
		if err := c.srv.stream.EnsureGroups(ctx, c.clientID); err != nil {
			return err
		}
		if c.codec == CodecOpus && c.opusDec == nil {
			dec, err := opus.NewDecoder(audio.DefaultFormat.SampleRate, audio.DefaultFormat.Channels)
			if err != nil {
				return err
			}
			c.opusDec = dec
		}
		if err := c.startWorkers(ctx); err != nil {
			return err
		}
		c.subscribeInterim()
	}

	if !c.sessionOpen {
		c.sessionOpen = true
		if c.srv.metrics != nil {
			c.srv.metrics.ActiveSessions.Add(ctx, 1)
		}
	}
	c.log.Info("session started", "session_id", c.sessionID, "mode", c.mode)
	return nil
}

// startWorkers enqueues the session's long-running jobs: speech detection,
// audio persistence, and the streaming transcription consumer. A job whose
// record is still live — the monitor restarts detection across conversation
// boundaries — is left alone.
func (c *client) startWorkers(ctx context.Context) error {
	args := []string{c.sessionID, c.clientID}

	detectID := pipeline.DetectJobID(c.sessionID, 0)
	live, err := c.liveDetectJob(ctx)
	if err != nil {
		return err
	}
	if live == "" {
		// A fresh detection loop must not see the previous session's
		// end-of-stream outcome.
		if err := c.srv.sessions.ClearTranscriptionComplete(ctx, c.sessionID); err != nil {
			return err
		}
		if _, err := c.srv.queue.Enqueue(ctx, jobs.Opts{
			JobID:       detectID,
			Queue:       jobs.QueueDefault,
			Handler:     pipeline.HandlerSpeechDetect,
			Args:        args,
			Timeout:     24 * time.Hour,
			Description: "Speech detection",
		}); err != nil {
			return err
		}
		if err := c.srv.sessions.SetSpeechDetectionJob(ctx, c.clientID, detectID); err != nil {
			return err
		}
	} else {
		detectID = live
	}
	if err := c.srv.sessions.SetField(ctx, c.sessionID, session.FieldSpeechJobID, detectID); err != nil {
		return err
	}

	persistID := persist.JobID(c.sessionID)
	if err := c.enqueueUnlessLive(ctx, persistID, jobs.Opts{
		JobID:       persistID,
		Queue:       jobs.QueueAudio,
		Handler:     persist.HandlerName,
		Args:        args,
		Timeout:     24 * time.Hour,
		Description: "Audio persistence",
	}); err != nil {
		return err
	}
	if err := c.srv.sessions.SetField(ctx, c.sessionID, session.FieldPersistJobID, persistID); err != nil {
		return err
	}

	return c.enqueueUnlessLive(ctx, streaming.JobID(c.sessionID), jobs.Opts{
		JobID:       streaming.JobID(c.sessionID),
		Queue:       jobs.QueueTranscription,
		Handler:     streaming.HandlerName,
		Args:        args,
		Timeout:     24 * time.Hour,
		Description: "Streaming transcription",
	})
}

// liveDetectJob returns the id of a detection loop that is still running for
// this client, "" when there is none.
func (c *client) liveDetectJob(ctx context.Context) (string, error) {
	id, err := c.srv.sessions.SpeechDetectionJob(ctx, c.clientID)
	if err != nil || id == "" {
		return "", err
	}
	job, err := c.srv.queue.Get(ctx, id)
	if errors.Is(err, jobs.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if job.Status.Done() {
		return "", nil
	}
	return id, nil
}

// enqueueUnlessLive enqueues the job unless a non-terminal record with the
// same id already exists.
func (c *client) enqueueUnlessLive(ctx context.Context, id string, opts jobs.Opts) error {
	job, err := c.srv.queue.Get(ctx, id)
	if err == nil && !job.Status.Done() {
		return nil
	}
	if err != nil && !errors.Is(err, jobs.ErrNotFound) {
		return err
	}
	_, err = c.srv.queue.Enqueue(ctx, opts)
	return err
}

// subscribeInterim starts the forwarder that turns interim pub/sub messages
// into interim_transcript frames. A previous subscription for this
// connection is cancelled first.
func (c *client) subscribeInterim() {
	if c.interimCancel != nil {
		c.interimCancel()
	}
	ictx, cancel := context.WithCancel(context.Background())
	c.interimCancel = cancel
	ch := c.srv.interim.Subscribe(ictx, c.sessionID)
	go func() {
		for res := range ch {
			if err := c.send(ictx, TypeInterim, interimPayload(res)); err != nil {
				return
			}
		}
	}()
}

func interimPayload(res stt.Result) map[string]any {
	return map[string]any{
		"text":     res.Text,
		"is_final": res.IsFinal,
		"words":    res.Words,
		"segments": res.Segments,
	}
}

// handleChunk routes one chunk of audio by session mode. Chunks outside an
// active session are protocol noise.
func (c *client) handleChunk(ctx context.Context, payload []byte) error {
	if !c.audioActive {
		c.log.Warn("audio-chunk outside a session, skipping")
		return nil
	}
	if len(payload) == 0 {
		return nil
	}

	pcm := payload
	format := c.format
	if c.codec == CodecOpus {
		decoded, err := c.srv.decode.Decode(ctx, c.opusDecoder(), payload)
		if err != nil {
			c.log.Warn("opus decode failed, dropping packet", "err", err)
			return nil
		}
		pcm = decoded
		format = audio.DefaultFormat
	}

	switch c.mode {
	case session.ModeStreaming:
		return c.publishChunk(ctx, pcm, format)
	case session.ModeBatch:
		return c.bufferChunk(ctx, pcm, format)
	}
	return nil
}

// opusDecoder returns the per-connection decoder, creating it lazily for
// batch-mode sessions that skipped stream setup.
func (c *client) opusDecoder() *opus.Decoder {
	if c.opusDec == nil {
		dec, err := opus.NewDecoder(audio.DefaultFormat.SampleRate, audio.DefaultFormat.Channels)
		if err != nil {
			// Construction only fails on an invalid format; the constants
			// above are valid.
			panic(err)
		}
		c.opusDec = dec
	}
	return c.opusDec
}

// publishChunk pushes one PCM chunk onto the audio stream with the next
// zero-padded chunk id and advances the session's audio clock. A publish
// failure is fatal for the session.
func (c *client) publishChunk(ctx context.Context, pcm []byte, format audio.Format) error {
	n, err := c.srv.sessions.IncrField(ctx, c.sessionID, session.FieldChunksPublished)
	if err != nil {
		return err
	}
	entry := fabric.AudioEntry{
		SessionID: c.sessionID,
		ChunkID:   fabric.FormatChunkID(n - 1),
		UserID:    c.identity.UserID,
		ClientID:  c.clientID,
		Audio:     pcm,
		Format:    format,
	}
	if err := c.srv.stream.Publish(ctx, c.clientID, entry); err != nil {
		return err
	}
	if _, err := c.srv.sessions.AddAudioSeconds(ctx, c.sessionID, format.Duration(len(pcm)).Seconds()); err != nil {
		return err
	}
	if c.srv.metrics != nil {
		c.srv.metrics.ChunksPublished.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("mode", string(session.ModeStreaming))))
	}
	return nil
}

// bufferChunk accumulates normalized PCM for batch mode and flushes a
// rolling part when the buffer reaches the flush interval.
func (c *client) bufferChunk(ctx context.Context, pcm []byte, format audio.Format) error {
	c.batchBuf = append(c.batchBuf, audio.Normalize(pcm, format)...)
	limit := audio.DefaultFormat.BytesFor(c.srv.flushAfter)
	if len(c.batchBuf) < limit {
		return nil
	}
	return c.flushBatch(ctx, "batch_rollover")
}

// flushBatch persists the accumulated batch buffer as a new conversation
// with stored chunks and enqueues the post-processing chain on it.
func (c *client) flushBatch(ctx context.Context, endReason string) error {
	if len(c.batchBuf) == 0 {
		return nil
	}
	c.batchPart++
	conv := &store.Conversation{
		ID:               uuid.NewString(),
		UserID:           c.identity.UserID,
		ClientID:         c.clientID,
		Title:            fmt.Sprintf("Recording Part %d", c.batchPart),
		ProcessingStatus: store.StatusPendingTranscription,
	}
	if err := c.srv.convs.Create(ctx, conv); err != nil {
		return err
	}

	chunker, err := persist.NewChunker(c.srv.chunkSeconds)
	if err != nil {
		return err
	}
	chunks, err := chunker.Add(c.batchBuf, audio.DefaultFormat)
	if err != nil {
		return err
	}
	if tail, err := chunker.Flush(); err != nil {
		return err
	} else if tail != nil {
		chunks = append(chunks, *tail)
	}
	for _, chunk := range chunks {
		chunk.ConversationID = conv.ID
		if err := c.srv.convs.InsertChunk(ctx, chunk); err != nil {
			return err
		}
		if c.srv.metrics != nil {
			c.srv.metrics.ChunksPublished.Add(ctx, 1,
				metric.WithAttributes(observe.Attr("mode", string(session.ModeBatch))))
		}
	}

	if err := pipeline.EnqueueChain(ctx, c.srv.queue, conv.ID, c.sessionID, endReason, true); err != nil {
		return err
	}
	c.log.Info("batch part flushed",
		"conversation_id", conv.ID,
		"part", c.batchPart,
		"chunks", len(chunks),
		"seconds", audio.DefaultFormat.Duration(len(c.batchBuf)).Seconds(),
	)
	c.batchBuf = nil
	return nil
}

// handleButton records the button press as a session marker and dispatches
// the matching plugin event. Presses before the first audio-start are
// buffered and land on the session when it opens.
func (c *client) handleButton(ctx context.Context, state string) {
	if state == "" {
		return
	}
	m := session.Marker{
		Type:      "button",
		State:     state,
		Timestamp: float64(time.Now().UnixMilli()) / 1000,
	}
	if c.sessionID == "" {
		c.pending = append(c.pending, m)
	} else if err := c.srv.sessions.AddMarker(ctx, c.sessionID, m); err != nil {
		c.log.Warn("could not record button marker", "err", err)
	}

	var event string
	switch state {
	case ButtonSinglePress:
		event = plugins.EventButtonSinglePress
	case ButtonDoublePress:
		event = plugins.EventButtonDoublePress
	default:
		return
	}
	if c.srv.dispatcher == nil {
		return
	}
	data := map[string]any{
		"state":      state,
		"timestamp":  m.Timestamp,
		"session_id": c.sessionID,
		"client_id":  c.clientID,
	}
	if c.sessionID != "" {
		if cid, err := c.srv.sessions.CurrentConversation(ctx, c.sessionID); err == nil && cid != "" {
			data["audio_uuid"] = cid
		}
	}
	c.srv.dispatcher.Dispatch(ctx, event, c.identity.UserID, data, nil)
}

// stopSession finalizes the live session on audio-stop. The connection stays
// open in control mode for the next audio-start.
func (c *client) stopSession(ctx context.Context, reason string) error {
	if !c.audioActive {
		return nil
	}
	c.audioActive = false

	switch c.mode {
	case session.ModeStreaming:
		if err := c.srv.stream.PublishSentinel(ctx, c.clientID, c.sessionID); err != nil {
			return err
		}
		if err := c.srv.sessions.SetStatus(ctx, c.sessionID, session.StatusFinalizing, reason); err != nil {
			return err
		}
	case session.ModeBatch:
		if err := c.flushBatch(ctx, reason); err != nil {
			return err
		}
		// No monitor runs for batch sessions; the gateway walks the status
		// itself.
		if err := c.srv.sessions.SetStatus(ctx, c.sessionID, session.StatusFinalizing, reason); err != nil {
			return err
		}
		if err := c.srv.sessions.SetStatus(ctx, c.sessionID, session.StatusFinished, ""); err != nil {
			return err
		}
	}
	c.log.Info("session stopped", "session_id", c.sessionID, "reason", reason)
	return nil
}

// teardown runs the disconnect sequence: mark the session disconnected,
// finalize it when the client vanished mid-recording, put the drain TTL on
// the audio stream, and cancel the interim forwarder last.
func (c *client) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer func() {
		if c.interimCancel != nil {
			c.interimCancel()
		}
	}()

	if c.sessionID == "" {
		return
	}
	if c.sessionOpen && c.srv.metrics != nil {
		defer c.srv.metrics.ActiveSessions.Add(ctx, -1)
	}

	rec, err := c.srv.sessions.Get(ctx, c.sessionID)
	if errors.Is(err, session.ErrSessionGone) {
		return
	}
	if err != nil {
		c.log.Error("teardown: load session", "err", err)
		return
	}
	if err := c.srv.sessions.SetField(ctx, c.sessionID, session.FieldConnected, "false"); err != nil {
		c.log.Error("teardown: mark disconnected", "err", err)
	}

	if rec.Status == session.StatusActive {
		if c.mode == session.ModeBatch {
			if err := c.flushBatch(ctx, session.ReasonDisconnect); err != nil {
				c.log.Error("teardown: flush batch buffer", "err", err)
			}
		} else {
			if err := c.srv.stream.PublishSentinel(ctx, c.clientID, c.sessionID); err != nil {
				c.log.Error("teardown: publish sentinel", "err", err)
			}
		}
		if err := c.srv.sessions.SetStatus(ctx, c.sessionID, session.StatusFinalizing, session.ReasonDisconnect); err != nil {
			c.log.Error("teardown: finalize", "err", err)
		}
		if err := c.srv.sessions.SetStatus(ctx, c.sessionID, session.StatusFinished, ""); err != nil {
			c.log.Error("teardown: finish", "err", err)
		}
	}

	if c.mode == session.ModeStreaming {
		if err := c.srv.stream.ExpireOnDisconnect(ctx, c.clientID); err != nil {
			c.log.Error("teardown: expire stream", "err", err)
		}
	}
	c.log.Info("session torn down", "session_id", c.sessionID)
}

// send writes one server→client message under the write mutex.
func (c *client) send(ctx context.Context, typ string, data any) error {
	msg, err := EncodeMessage(typ, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, msg)
}
