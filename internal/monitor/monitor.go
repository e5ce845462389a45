// Package monitor runs the conversation monitor job: the owner of one
// conversation's lifetime from open to close. It watches the session's
// combined transcription view, decides when the conversation ends, writes
// the final streaming transcript version, and hands the conversation to the
// post-processing chain. Its end-of-conversation handler always runs, even
// when the close path fails.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vivilabs/vivid/internal/fabric"
	"github.com/vivilabs/vivid/internal/jobs"
	"github.com/vivilabs/vivid/internal/observe"
	"github.com/vivilabs/vivid/internal/plugins"
	"github.com/vivilabs/vivid/internal/session"
	"github.com/vivilabs/vivid/internal/store"
)

// End reasons recorded on closed conversations, in priority order.
const (
	EndReasonInactivity  = "inactivity_timeout"
	EndReasonMaxDuration = "max_duration"
	EndReasonUserStopped = "user_stopped"
)

// rotationTTL bounds how long the rotation key outlives the monitor.
const rotationTTL = 24 * time.Hour

// ConversationStore is the slice of conversation storage the monitor needs.
type ConversationStore interface {
	Create(ctx context.Context, c *store.Conversation) error
	Get(ctx context.Context, id string) (*store.Conversation, error)
	SetSummaries(ctx context.Context, id, title, summary, detailed string) error
	SoftDelete(ctx context.Context, id, reason string) error
	AddTranscriptVersion(ctx context.Context, id string, v store.TranscriptVersion, activate bool) error
	AppendMarkers(ctx context.Context, id string, markers []store.Marker) error
	SetEndReason(ctx context.Context, id, reason string, completedAt time.Time) error
	ChunkCount(ctx context.Context, conversationID string) (int, error)
}

// Monitor owns open conversations. Construct once, register Handle under
// pipeline.HandlerMonitor.
type Monitor struct {
	sessions   *session.Store
	agg        *fabric.Aggregator
	results    *fabric.ResultStream
	convs      ConversationStore
	queue      *jobs.Client
	dispatcher plugins.Dispatcher
	metrics    *observe.Metrics
	log        *slog.Logger

	tick           time.Duration
	inactivitySecs float64
	maxRuntime     time.Duration
	completeWait   time.Duration
	chunkWait      time.Duration
	alwaysBatch    bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithTick sets the loop tick. Default 1 s.
func WithTick(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.tick = d
		}
	}
}

// WithInactivitySeconds sets the audio-time inactivity timeout. Default 60.
func WithInactivitySeconds(s float64) Option {
	return func(m *Monitor) {
		if s > 0 {
			m.inactivitySecs = s
		}
	}
}

// WithMaxRuntime caps one conversation's lifetime. Default 3 h minus a
// minute of graceful-exit margin.
func WithMaxRuntime(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.maxRuntime = d
		}
	}
}

// WithCloseWaits sets how long the close path waits for the streaming
// consumer and for the first stored chunk. Default 30 s each.
func WithCloseWaits(complete, chunk time.Duration) Option {
	return func(m *Monitor) {
		if complete > 0 {
			m.completeWait = complete
		}
		if chunk > 0 {
			m.chunkWait = chunk
		}
	}
}

// WithAlwaysBatch makes every closed conversation start its chain with a
// batch re-transcription.
func WithAlwaysBatch(on bool) Option {
	return func(m *Monitor) { m.alwaysBatch = on }
}

// WithDispatcher sets the plugin router. Nil disables plugin dispatch.
func WithDispatcher(d plugins.Dispatcher) Option {
	return func(m *Monitor) { m.dispatcher = d }
}

// WithMetrics sets the metrics sink.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Monitor) { m.metrics = met }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(m *Monitor) {
		if log != nil {
			m.log = log
		}
	}
}

// New returns a conversation monitor.
func New(sessions *session.Store, agg *fabric.Aggregator, results *fabric.ResultStream, convs ConversationStore, queue *jobs.Client, opts ...Option) *Monitor {
	m := &Monitor{
		sessions:       sessions,
		agg:            agg,
		results:        results,
		convs:          convs,
		queue:          queue,
		log:            slog.Default(),
		tick:           time.Second,
		inactivitySecs: 60,
		maxRuntime:     3*time.Hour - time.Minute,
		completeWait:   30 * time.Second,
		chunkWait:      30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// state carries one conversation through the monitor's phases.
type state struct {
	sessionID      string
	clientID       string
	detectJobID    string
	conversationID string
	userID         string

	completionReason string
	closeRequested   string
	inactivity       bool
	maxed            bool

	lastWordCount int
	// lastChangeAt backs the wall-clock inactivity fallback for gateways
	// that do not publish the audio clock.
	lastChangeAt time.Time

	skipChain bool
}

// Handle is the queue handler. Args: session id, client id, speech-detection
// job id.
func (m *Monitor) Handle(ctx context.Context, job *jobs.Job) error {
	st := &state{
		sessionID:    job.Arg(0),
		clientID:     job.Arg(1),
		detectJobID:  job.Arg(2),
		lastChangeAt: time.Now(),
	}
	if st.sessionID == "" || st.clientID == "" {
		return errors.New("monitor: job needs session and client args")
	}
	log := m.log.With("session_id", st.sessionID, "job_id", job.ID)

	rec, err := m.sessions.Get(ctx, st.sessionID)
	if errors.Is(err, session.ErrSessionGone) {
		log.Info("session gone before open, exiting monitor")
		return nil
	}
	if err != nil {
		return err
	}
	st.userID = rec.UserID

	if err := m.open(ctx, st, log); err != nil {
		return err
	}
	log = log.With("conversation_id", st.conversationID)
	log.Info("conversation opened")

	runErr := m.run(ctx, job, st, log)
	if errors.Is(runErr, errZombie) {
		log.Info("monitor job cancelled, exiting")
		return nil
	}

	var closeErr error
	if runErr == nil {
		closeErr = m.close(ctx, st, log)
	}

	// The end handler runs regardless of what the close path did.
	endErr := m.end(ctx, st, log)
	return errors.Join(runErr, closeErr, endErr)
}

// errZombie signals an externally cancelled monitor job.
var errZombie = errors.New("monitor: job record gone")

// open decides the conversation id, points the rotation key at it, links the
// pipeline for the UI, and moves pending session markers over.
func (m *Monitor) open(ctx context.Context, st *state, log *slog.Logger) error {
	cid, err := m.sessions.CurrentConversation(ctx, st.sessionID)
	if err != nil {
		return err
	}

	reuse := false
	if cid != "" {
		conv, err := m.convs.Get(ctx, cid)
		if err == nil && conv.AlwaysPersist && conv.ProcessingStatus == store.StatusPendingTranscription {
			reuse = true
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	if reuse {
		st.conversationID = cid
		if err := m.convs.SetSummaries(ctx, cid, "Recording…", "Transcribing audio…", ""); err != nil {
			return err
		}
	} else {
		st.conversationID = uuid.NewString()
		conv := &store.Conversation{
			ID:               st.conversationID,
			UserID:           st.userID,
			ClientID:         st.clientID,
			Title:            "Recording…",
			ProcessingStatus: store.StatusProcessing,
		}
		if err := m.convs.Create(ctx, conv); err != nil {
			return fmt.Errorf("monitor: create conversation: %w", err)
		}
	}

	if err := m.sessions.SetCurrentConversation(ctx, st.sessionID, st.conversationID, rotationTTL); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.ConversationsOpened.Add(ctx, 1)
	}

	// Let the UI follow the pipeline from the detection job.
	if st.detectJobID != "" {
		if err := m.queue.SetMeta(ctx, st.detectJobID, map[string]any{"conversation_id": st.conversationID}); err != nil && !errors.Is(err, jobs.ErrNotFound) {
			log.Warn("could not link detection job", "error", err)
		}
	}

	markers, err := m.sessions.TakeMarkers(ctx, st.sessionID)
	if err != nil && !errors.Is(err, session.ErrSessionGone) {
		return err
	}
	if len(markers) > 0 {
		stored := make([]store.Marker, len(markers))
		for i, mk := range markers {
			stored[i] = store.Marker{Type: mk.Type, State: mk.State, Timestamp: mk.Timestamp, Detail: mk.Detail}
		}
		if err := m.convs.AppendMarkers(ctx, st.conversationID, stored); err != nil {
			return err
		}
	}
	return nil
}

// run is the monitor loop. It returns nil when the conversation should
// close, errZombie when the job was cancelled externally.
func (m *Monitor) run(ctx context.Context, job *jobs.Job, st *state, log *slog.Logger) error {
	started := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		alive, err := m.queue.Exists(ctx, job.ID)
		if err != nil {
			return err
		}
		if !alive {
			return errZombie
		}

		rec, err := m.sessions.Get(ctx, st.sessionID)
		if errors.Is(err, session.ErrSessionGone) {
			log.Info("session gone, closing conversation")
			return nil
		}
		if err != nil {
			return err
		}

		if rec.Status == session.StatusFinalizing || rec.Status == session.StatusFinished {
			// A "finished" written during an inter-conversation lull while
			// the socket is still up is spurious; recover and keep going.
			if rec.Status == session.StatusFinished && rec.Connected &&
				rec.CompletionReason == session.ReasonAllJobsComplete {
				if err := m.sessions.SetStatus(ctx, st.sessionID, session.StatusActive, ""); err != nil {
					return err
				}
				log.Info("recovered from spurious finish")
			} else {
				st.completionReason = rec.CompletionReason
				return nil
			}
		}

		closeReq, err := m.sessions.Field(ctx, st.sessionID, session.FieldCloseRequested)
		if err != nil && !errors.Is(err, session.ErrSessionGone) {
			return err
		}
		if closeReq != "" {
			if err := m.sessions.ClearField(ctx, st.sessionID, session.FieldCloseRequested); err != nil {
				return err
			}
			st.closeRequested = closeReq
			log.Info("close requested", "reason", closeReq)
			return nil
		}

		if time.Since(started) >= m.maxRuntime {
			st.maxed = true
			log.Info("max conversation runtime reached")
			return nil
		}

		view, err := m.agg.Combined(ctx, st.sessionID)
		if err != nil {
			return err
		}
		if err := m.observeTick(ctx, job, st, rec, view); err != nil {
			return err
		}
		if m.inactive(st, rec, view) {
			st.inactivity = true
			log.Info("inactivity timeout", "audio_seconds", rec.AudioSeconds, "last_speech", view.Duration())
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.tick):
		}
	}
}

// observeTick publishes live progress to the job meta and dispatches new
// transcript text to plugins.
func (m *Monitor) observeTick(ctx context.Context, job *jobs.Job, st *state, rec session.Record, view fabric.CombinedView) error {
	words := view.WordCount()
	if words == st.lastWordCount {
		return nil
	}
	st.lastWordCount = words
	st.lastChangeAt = time.Now()

	segments := fabric.ValidateSegments(view.Segments)
	if err := m.queue.SetMeta(ctx, job.ID, map[string]any{
		"conversation_id": st.conversationID,
		"transcript":      view.Text,
		"word_count":      words,
		"speakers":        fabric.SpeakerList(segments),
		"last_speech_at":  view.Duration(),
	}); err != nil && !errors.Is(err, jobs.ErrNotFound) {
		return err
	}

	if m.dispatcher != nil {
		m.dispatcher.Dispatch(ctx, plugins.EventTranscriptStreaming, rec.UserID, map[string]any{
			"transcript":      view.Text,
			"conversation_id": st.conversationID,
			"session_id":      st.sessionID,
			"segments":        segments,
			"word_count":      words,
		}, nil)
	}
	return nil
}

// inactive reports whether the inactivity timeout fired. Preference is the
// audio clock: audio seconds published minus the last word's end timestamp.
// Sessions that never report an audio clock fall back to wall time since the
// transcript last changed.
func (m *Monitor) inactive(st *state, rec session.Record, view fabric.CombinedView) bool {
	if view.WordCount() == 0 {
		return false
	}
	if rec.AudioSeconds > 0 {
		return rec.AudioSeconds-view.Duration() >= m.inactivitySecs
	}
	return time.Since(st.lastChangeAt).Seconds() >= m.inactivitySecs
}

// endReason resolves the final end reason by priority.
func (st *state) endReason() string {
	switch {
	case st.completionReason != "":
		return st.completionReason
	case st.closeRequested != "":
		return st.closeRequested
	case st.inactivity:
		return EndReasonInactivity
	case st.maxed:
		return EndReasonMaxDuration
	default:
		return EndReasonUserStopped
	}
}
