package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vivilabs/vivid/internal/fabric"
	"github.com/vivilabs/vivid/internal/jobs"
	"github.com/vivilabs/vivid/internal/persist"
	"github.com/vivilabs/vivid/internal/pipeline"
	"github.com/vivilabs/vivid/internal/session"
	"github.com/vivilabs/vivid/internal/store"
	"github.com/vivilabs/vivid/internal/streaming"
	"github.com/vivilabs/vivid/pkg/audio"
	"github.com/vivilabs/vivid/pkg/audio/opus"
	"github.com/vivilabs/vivid/pkg/provider/stt"
)

const testSecret = "gateway-test-secret"

// fakeConvStore records batch-mode conversations and chunks in memory.
type fakeConvStore struct {
	mu     sync.Mutex
	convs  []*store.Conversation
	chunks map[string][]store.Chunk
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{chunks: map[string][]store.Chunk{}}
}

func (f *fakeConvStore) Create(_ context.Context, c *store.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.convs = append(f.convs, &cp)
	return nil
}

func (f *fakeConvStore) InsertChunk(_ context.Context, c store.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks[c.ConversationID] = append(f.chunks[c.ConversationID], c)
	return nil
}

func (f *fakeConvStore) snapshot() []*store.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.Conversation, len(f.convs))
	copy(out, f.convs)
	return out
}

type gatewayFixture struct {
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	sessions *session.Store
	stream   *fabric.AudioStream
	interim  *fabric.Interim
	queue    *jobs.Client
	convs    *fakeConvStore
	srv      *httptest.Server
}

func newGatewayFixture(t *testing.T, opts ...Option) *gatewayFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &gatewayFixture{
		mr:       mr,
		rdb:      rdb,
		sessions: session.NewStore(rdb),
		stream:   fabric.NewAudioStream(rdb),
		interim:  fabric.NewInterim(rdb),
		queue:    jobs.NewClient(rdb),
		convs:    newFakeConvStore(),
	}
	opts = append([]Option{WithProvider("mock", true)}, opts...)
	gw := NewServer(f.sessions, f.stream, f.interim, f.queue, f.convs, NewHMACAuthenticator(testSecret), opts...)
	f.srv = httptest.NewServer(gw)
	t.Cleanup(f.srv.Close)
	return f
}

// dial opens a test connection and consumes the ready message when auth is
// expected to succeed.
func (f *gatewayFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(f.srv.URL, "http", "ws", 1) + "/ws?" + query
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func testToken(userID string) string {
	return SignToken(testSecret, userID, userID+"@example.com")
}

func clientIDFor(userID, deviceName string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(userID+"\n"+deviceName)).String()
}

// readMessage reads and decodes one server→client message.
func readMessage(t *testing.T, conn *websocket.Conn) (string, map[string]any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return msg.Type, msg.Data
}

func sendHeader(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		raw = b
	}
	b, err := json.Marshal(Header{Type: typ, Data: raw})
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, append(b, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func sendChunk(t *testing.T, conn *websocket.Conn, payload []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, EncodeChunk(payload)); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestAuthFailureCloses1008(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, "codec=pcm&token=garbage")

	typ, data := readMessage(t, conn)
	if typ != TypeError || data["error"] != "auth_failed" {
		t.Fatalf("message = %s %v", typ, data)
	}
	if data["code"] != float64(websocket.StatusPolicyViolation) {
		t.Errorf("code = %v", data["code"])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v (%v)", websocket.CloseStatus(err), err)
	}
}

func TestUnsupportedCodecRefused(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, "codec=vorbis&token="+testToken("mary"))

	typ, data := readMessage(t, conn)
	if typ != TypeError || data["error"] != "unsupported_codec" {
		t.Fatalf("message = %s %v", typ, data)
	}
}

func TestStreamingSessionLifecycle(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	conn := f.dial(t, "codec=pcm&token="+testToken("mary")+"&device_name=dev-1")
	clientID := clientIDFor("mary", "dev-1")

	typ, _ := readMessage(t, conn)
	if typ != TypeReady {
		t.Fatalf("first message = %s, want ready", typ)
	}

	sendHeader(t, conn, TypeAudioStart, AudioStartData{Rate: 16000, Width: 2, Channels: 1, Mode: "streaming"})
	waitFor(t, func() bool {
		_, err := f.sessions.Get(ctx, clientID)
		return err == nil
	})

	rec, err := f.sessions.Get(ctx, clientID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if rec.UserID != "mary" || rec.Mode != session.ModeStreaming || !rec.Connected {
		t.Errorf("record = %+v", rec)
	}
	if rec.Status != session.StatusActive {
		t.Errorf("status = %q", rec.Status)
	}

	// The three per-session workers are on their queues.
	detect, err := f.queue.Get(ctx, pipeline.DetectJobID(clientID, 0))
	if err != nil || detect.Queue != jobs.QueueDefault || detect.Handler != pipeline.HandlerSpeechDetect {
		t.Errorf("detect job = %+v, %v", detect, err)
	}
	pj, err := f.queue.Get(ctx, persist.JobID(clientID))
	if err != nil || pj.Queue != jobs.QueueAudio {
		t.Errorf("persist job = %+v, %v", pj, err)
	}
	sj, err := f.queue.Get(ctx, streaming.JobID(clientID))
	if err != nil || sj.Queue != jobs.QueueTranscription {
		t.Errorf("streaming job = %+v, %v", sj, err)
	}
	if got, _ := f.sessions.SpeechDetectionJob(ctx, clientID); got != detect.ID {
		t.Errorf("detection job key = %q", got)
	}

	// Two framed chunks and one legacy raw frame, one second of PCM each.
	pcm := make([]byte, 32000)
	sendChunk(t, conn, pcm)
	sendChunk(t, conn, pcm)
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := conn.Write(writeCtx, websocket.MessageBinary, pcm); err != nil {
		t.Fatalf("write legacy frame: %v", err)
	}
	cancel()

	waitFor(t, func() bool {
		n, _ := f.stream.Len(ctx, clientID)
		return n == 3
	})
	entries, err := f.stream.Range(ctx, clientID)
	if err != nil || len(entries) != 3 {
		t.Fatalf("entries = %d, %v", len(entries), err)
	}
	for i, e := range entries {
		if e.ChunkID != fabric.FormatChunkID(int64(i)) {
			t.Errorf("chunk %d id = %q", i, e.ChunkID)
		}
		if len(e.Audio) != 32000 {
			t.Errorf("chunk %d bytes = %d", i, len(e.Audio))
		}
	}

	sendHeader(t, conn, TypeAudioStop, nil)
	waitFor(t, func() bool {
		rec, err := f.sessions.Get(ctx, clientID)
		return err == nil && rec.Status == session.StatusFinalizing
	})

	rec, _ = f.sessions.Get(ctx, clientID)
	if rec.CompletionReason != session.ReasonUserStopped {
		t.Errorf("completion reason = %q", rec.CompletionReason)
	}
	if rec.ChunksPublished != 3 || rec.AudioSeconds < 2.9 || rec.AudioSeconds > 3.1 {
		t.Errorf("chunks = %d, audio seconds = %v", rec.ChunksPublished, rec.AudioSeconds)
	}
	entries, _ = f.stream.Range(ctx, clientID)
	if len(entries) != 4 || !entries[3].Sentinel() {
		t.Errorf("no sentinel after stop: %d entries", len(entries))
	}
}

func TestInterimResultsForwarded(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	conn := f.dial(t, "codec=pcm&token="+testToken("mary")+"&device_name=dev-2")
	clientID := clientIDFor("mary", "dev-2")

	readMessage(t, conn) // ready
	sendHeader(t, conn, TypeAudioStart, AudioStartData{Mode: "streaming"})
	waitFor(t, func() bool {
		_, err := f.sessions.Get(ctx, clientID)
		return err == nil
	})

	// The subscriber attaches asynchronously; keep publishing until a
	// forwarded message arrives.
	pubCtx, stopPub := context.WithCancel(ctx)
	defer stopPub()
	go func() {
		for pubCtx.Err() == nil {
			_ = f.interim.Publish(pubCtx, clientID, stt.Result{Text: "hello", IsFinal: false})
			time.Sleep(20 * time.Millisecond)
		}
	}()

	typ, data := readMessage(t, conn)
	if typ != TypeInterim || data["text"] != "hello" || data["is_final"] != false {
		t.Fatalf("message = %s %v", typ, data)
	}
}

func TestBatchModeFlushesOnStop(t *testing.T) {
	f := newGatewayFixture(t, WithChunkSeconds(1))
	ctx := context.Background()
	conn := f.dial(t, "codec=pcm&token="+testToken("mary")+"&device_name=dev-3")
	clientID := clientIDFor("mary", "dev-3")

	readMessage(t, conn) // ready
	sendHeader(t, conn, TypeAudioStart, AudioStartData{Rate: 16000, Width: 2, Channels: 1, Mode: "batch"})
	waitFor(t, func() bool {
		_, err := f.sessions.Get(ctx, clientID)
		return err == nil
	})

	sendChunk(t, conn, make([]byte, 32000))
	sendChunk(t, conn, make([]byte, 32000))
	sendHeader(t, conn, TypeAudioStop, nil)

	waitFor(t, func() bool { return len(f.convs.snapshot()) == 1 })
	// The stop flush finishes (chunks inserted, chain enqueued) before the
	// session is marked finished; wait for that so the reads below don't race.
	waitFor(t, func() bool {
		rec, err := f.sessions.Get(ctx, clientID)
		return err == nil && rec.Status == session.StatusFinished
	})
	conv := f.convs.snapshot()[0]
	if conv.Title != "Recording Part 1" || conv.UserID != "mary" {
		t.Errorf("conversation = %+v", conv)
	}
	if conv.ProcessingStatus != store.StatusPendingTranscription {
		t.Errorf("status = %q", conv.ProcessingStatus)
	}

	f.convs.mu.Lock()
	chunks := f.convs.chunks[conv.ID]
	f.convs.mu.Unlock()
	if len(chunks) != 2 {
		t.Errorf("chunks = %d, want 2", len(chunks))
	}

	// The chain starts with the batch transcription job; nothing touches the
	// audio stream in batch mode.
	crop, err := f.queue.Get(ctx, pipeline.BatchJobID(conv.ID))
	if err != nil || crop.Queue != jobs.QueueTranscription || crop.Status != jobs.StatusQueued {
		t.Errorf("crop job = %+v, %v", crop, err)
	}
	dispatch, err := f.queue.Get(ctx, pipeline.DispatchJobID(conv.ID))
	if err != nil || dispatch.Arg(2) != session.ReasonUserStopped {
		t.Errorf("dispatch job = %+v, %v", dispatch, err)
	}
	if n, _ := f.stream.Len(ctx, clientID); n != 0 {
		t.Errorf("stream entries in batch mode = %d", n)
	}
	if _, err := f.queue.Get(ctx, pipeline.DetectJobID(clientID, 0)); err == nil {
		t.Error("speech detection enqueued for a batch session")
	}

	waitFor(t, func() bool {
		rec, err := f.sessions.Get(ctx, clientID)
		return err == nil && rec.Status == session.StatusFinished
	})
}

func TestBatchModeRollingFlush(t *testing.T) {
	f := newGatewayFixture(t, WithChunkSeconds(1), WithBatchFlush(time.Second))
	ctx := context.Background()
	conn := f.dial(t, "codec=pcm&token="+testToken("mary")+"&device_name=dev-4")
	clientID := clientIDFor("mary", "dev-4")

	readMessage(t, conn) // ready
	sendHeader(t, conn, TypeAudioStart, AudioStartData{Mode: "batch"})
	waitFor(t, func() bool {
		_, err := f.sessions.Get(ctx, clientID)
		return err == nil
	})

	// One full second triggers the rolling flush immediately. The flush
	// enqueues the chain after creating the conversation, so wait for the
	// dispatch job too.
	sendChunk(t, conn, make([]byte, 32000))
	waitFor(t, func() bool {
		convs := f.convs.snapshot()
		if len(convs) != 1 {
			return false
		}
		_, err := f.queue.Get(ctx, pipeline.DispatchJobID(convs[0].ID))
		return err == nil
	})

	first := f.convs.snapshot()[0]
	dispatch, err := f.queue.Get(ctx, pipeline.DispatchJobID(first.ID))
	if err != nil || dispatch.Arg(2) != "batch_rollover" {
		t.Errorf("rollover dispatch = %+v, %v", dispatch, err)
	}

	// The remainder flushes as part 2 on stop.
	sendChunk(t, conn, make([]byte, 16000))
	sendHeader(t, conn, TypeAudioStop, nil)
	waitFor(t, func() bool { return len(f.convs.snapshot()) == 2 })
	if got := f.convs.snapshot()[1].Title; got != "Recording Part 2" {
		t.Errorf("second part title = %q", got)
	}
}

func TestStreamingNotConfigured(t *testing.T) {
	f := newGatewayFixture(t, WithProvider("mock", false))
	ctx := context.Background()

	// Browser client: typed error and policy-violation close.
	conn := f.dial(t, "codec=pcm&token="+testToken("mary")+"&device_name=dev-5")
	readMessage(t, conn) // ready
	sendHeader(t, conn, TypeAudioStart, AudioStartData{Mode: "streaming"})
	typ, data := readMessage(t, conn)
	if typ != TypeError || data["error"] != "streaming_not_configured" {
		t.Fatalf("message = %s %v", typ, data)
	}

	// Wearable client: silent downgrade to batch.
	wconn := f.dial(t, "codec=opus&token="+testToken("mary")+"&device_name=dev-6")
	readMessage(t, wconn) // ready
	sendHeader(t, wconn, TypeAudioStart, AudioStartData{Mode: "streaming"})
	wClientID := clientIDFor("mary", "dev-6")
	waitFor(t, func() bool {
		rec, err := f.sessions.Get(ctx, wClientID)
		return err == nil && rec.Mode == session.ModeBatch
	})
}

func TestDisconnectFinalizesSession(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	conn := f.dial(t, "codec=pcm&token="+testToken("mary")+"&device_name=dev-7")
	clientID := clientIDFor("mary", "dev-7")

	readMessage(t, conn) // ready
	sendHeader(t, conn, TypeAudioStart, AudioStartData{Mode: "streaming"})
	sendChunk(t, conn, make([]byte, 32000))
	waitFor(t, func() bool {
		n, _ := f.stream.Len(ctx, clientID)
		return n == 1
	})

	if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		t.Fatalf("close: %v", err)
	}

	waitFor(t, func() bool {
		rec, err := f.sessions.Get(ctx, clientID)
		return err == nil && rec.Status == session.StatusFinished
	})
	rec, _ := f.sessions.Get(ctx, clientID)
	if rec.Connected || rec.CompletionReason != session.ReasonDisconnect {
		t.Errorf("record = %+v", rec)
	}

	entries, _ := f.stream.Range(ctx, clientID)
	if len(entries) != 2 || !entries[1].Sentinel() {
		t.Errorf("no sentinel on disconnect: %d entries", len(entries))
	}
	if ttl := f.mr.TTL(fabric.AudioKey(clientID)); ttl <= 0 {
		t.Errorf("stream TTL = %v, want drain TTL", ttl)
	}
}

func TestButtonEventsRecordMarkers(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	conn := f.dial(t, "codec=pcm&token="+testToken("mary")+"&device_name=dev-8")
	clientID := clientIDFor("mary", "dev-8")

	readMessage(t, conn) // ready

	// A press before audio-start is buffered and lands on the session.
	sendHeader(t, conn, TypeButtonEvent, ButtonData{State: ButtonSinglePress})
	sendHeader(t, conn, TypeAudioStart, AudioStartData{Mode: "streaming"})
	waitFor(t, func() bool {
		markers, err := f.sessions.Markers(ctx, clientID)
		return err == nil && len(markers) == 1
	})

	sendHeader(t, conn, TypeButtonEvent, ButtonData{State: ButtonDoublePress})
	waitFor(t, func() bool {
		markers, _ := f.sessions.Markers(ctx, clientID)
		return len(markers) == 2
	})
	markers, _ := f.sessions.Markers(ctx, clientID)
	if markers[0].State != ButtonSinglePress || markers[1].State != ButtonDoublePress {
		t.Errorf("markers = %+v", markers)
	}
	if markers[0].Type != "button" {
		t.Errorf("marker type = %q", markers[0].Type)
	}
}

func TestOpusChunksDecodedToPCM(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	conn := f.dial(t, "codec=opus&token="+testToken("mary")+"&device_name=dev-10")
	clientID := clientIDFor("mary", "dev-10")

	readMessage(t, conn) // ready
	sendHeader(t, conn, TypeAudioStart, AudioStartData{Rate: 16000, Width: 2, Channels: 1, Mode: "streaming"})
	waitFor(t, func() bool {
		_, err := f.sessions.Get(ctx, clientID)
		return err == nil
	})

	enc, err := opus.NewEncoder(16000, 1)
	if err != nil {
		t.Fatalf("encoder: %v", err)
	}
	packet, err := enc.Encode(make([]byte, enc.FrameBytes()))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	sendChunk(t, conn, packet)

	// A garbage packet is dropped without killing the session.
	sendChunk(t, conn, []byte{0xde, 0xad, 0xbe, 0xef})

	packet2, err := enc.Encode(make([]byte, enc.FrameBytes()))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	sendChunk(t, conn, packet2)

	waitFor(t, func() bool {
		n, _ := f.stream.Len(ctx, clientID)
		return n == 2
	})
	entries, _ := f.stream.Range(ctx, clientID)
	// One 20 ms frame at 16 kHz mono is 640 PCM bytes.
	if len(entries[0].Audio) != 640 || entries[0].Format != audio.DefaultFormat {
		t.Errorf("entry = %d bytes, format %+v", len(entries[0].Audio), entries[0].Format)
	}
	if entries[1].ChunkID != fabric.FormatChunkID(1) {
		t.Errorf("second chunk id = %q", entries[1].ChunkID)
	}
}

func TestDuplicateAudioStartIsIdempotent(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	conn := f.dial(t, "codec=pcm&token="+testToken("mary")+"&device_name=dev-9")
	clientID := clientIDFor("mary", "dev-9")

	readMessage(t, conn) // ready
	sendHeader(t, conn, TypeAudioStart, AudioStartData{Mode: "streaming"})
	waitFor(t, func() bool {
		_, err := f.sessions.Get(ctx, clientID)
		return err == nil
	})

	sendChunk(t, conn, make([]byte, 16000))
	sendHeader(t, conn, TypeAudioStart, AudioStartData{Mode: "streaming"})
	sendChunk(t, conn, make([]byte, 16000))

	waitFor(t, func() bool {
		n, _ := f.stream.Len(ctx, clientID)
		return n == 2
	})
	rec, _ := f.sessions.Get(ctx, clientID)
	if rec.ChunksPublished != 2 {
		t.Errorf("chunks published = %d, want 2", rec.ChunksPublished)
	}
}
