// Package detect runs the speech-detection job: a per-session polling loop
// that watches the transcription result stream and, once meaningful speech
// shows up, opens a conversation monitor for it. Detection is
// single-instance per session; at most one monitor is ever open.
package detect

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vivilabs/vivid/internal/fabric"
	"github.com/vivilabs/vivid/internal/jobs"
	"github.com/vivilabs/vivid/internal/pipeline"
	"github.com/vivilabs/vivid/internal/session"
	"github.com/vivilabs/vivid/pkg/provider/speaker"
)

// Timeout is the detection job's queue timeout. The loop usually exits long
// before; the margin below keeps a graceful exit inside the budget.
const Timeout = 24 * time.Hour

// monitorTimeout is the monitor job's queue timeout, minus a graceful-exit
// margin. Also the TTL of the open-conversation tracking key, so a crashed
// monitor cannot block detection forever.
const monitorTimeout = 3*time.Hour - time.Minute

// noSpeechGrace is how long detection keeps waiting after the session
// finalizes, in case the provider flushes a last result.
const noSpeechGrace = 15 * time.Second

// Detector polls a session for meaningful speech. Construct once, register
// Handle under pipeline.HandlerSpeechDetect.
type Detector struct {
	sessions *session.Store
	agg      *fabric.Aggregator
	queue    *jobs.Client
	enroller speaker.Enroller
	log      *slog.Logger

	minWords        int
	minSpeechSecs   float64
	requireEnrolled bool
	pollInterval    time.Duration
	grace           time.Duration
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithThresholds sets the speech classification thresholds. Defaults: 5
// words, 1.0 s.
func WithThresholds(minWords int, minSeconds float64) DetectorOption {
	return func(d *Detector) {
		if minWords > 0 {
			d.minWords = minWords
		}
		if minSeconds > 0 {
			d.minSpeechSecs = minSeconds
		}
	}
}

// WithEnrollmentCheck makes detection ask the speaker service for enrolled
// profiles before opening a conversation. When required is true a session
// without enrolled speakers never opens one.
func WithEnrollmentCheck(e speaker.Enroller, required bool) DetectorOption {
	return func(d *Detector) {
		d.enroller = e
		d.requireEnrolled = required
	}
}

// WithPollInterval sets the loop tick. Default 2 s.
func WithPollInterval(interval time.Duration) DetectorOption {
	return func(d *Detector) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(log *slog.Logger) DetectorOption {
	return func(d *Detector) {
		if log != nil {
			d.log = log
		}
	}
}

// NewDetector returns a speech detector.
func NewDetector(sessions *session.Store, agg *fabric.Aggregator, queue *jobs.Client, opts ...DetectorOption) *Detector {
	d := &Detector{
		sessions:      sessions,
		agg:           agg,
		queue:         queue,
		log:           slog.Default(),
		minWords:      5,
		minSpeechSecs: 1.0,
		pollInterval:  2 * time.Second,
		grace:         noSpeechGrace,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle is the queue handler. Args: session id, client id.
func (d *Detector) Handle(ctx context.Context, job *jobs.Job) error {
	sessionID, clientID := job.Arg(0), job.Arg(1)
	if sessionID == "" || clientID == "" {
		return errors.New("detect: job needs session and client args")
	}
	log := d.log.With("session_id", sessionID, "client_id", clientID, "job_id", job.ID)

	// A close request left over from a previous conversation must not close
	// the next one the moment it opens.
	if err := d.sessions.ClearField(ctx, sessionID, session.FieldCloseRequested); err != nil &&
		!errors.Is(err, session.ErrSessionGone) {
		return err
	}

	// Single-instance: a live monitor means another detection already fired.
	open, err := d.sessions.OpenConversation(ctx, sessionID)
	if err != nil {
		return err
	}
	if open != "" {
		log.Info("conversation already open, skipping detection", "monitor_job_id", open)
		return nil
	}

	var graceStart time.Time
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		alive, err := d.queue.Exists(ctx, job.ID)
		if err != nil {
			return err
		}
		if !alive {
			log.Info("detection job cancelled, exiting")
			return nil
		}

		rec, err := d.sessions.Get(ctx, sessionID)
		if errors.Is(err, session.ErrSessionGone) {
			log.Info("session gone, exiting detection")
			return nil
		}
		if err != nil {
			return err
		}

		// Broken provider, not silent audio: no fallback will help.
		terr, err := d.sessions.Field(ctx, sessionID, session.FieldTranscriptionError)
		if err != nil && !errors.Is(err, session.ErrSessionGone) {
			return err
		}
		if terr != "" {
			log.Error("transcription failed, exiting detection", "error", terr)
			return nil
		}

		view, err := d.agg.Combined(ctx, sessionID)
		if err != nil {
			return err
		}
		if d.hasSpeech(view) {
			return d.openConversation(ctx, job, rec, log)
		}

		if rec.Status == session.StatusFinalizing || rec.Status == session.StatusFinished {
			if graceStart.IsZero() {
				graceStart = time.Now()
			}
			if time.Since(graceStart) >= d.grace {
				return d.noSpeech(ctx, job, sessionID, clientID, log)
			}
		} else {
			graceStart = time.Time{}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.pollInterval):
		}
	}
}

// hasSpeech classifies the combined view.
func (d *Detector) hasSpeech(view fabric.CombinedView) bool {
	return view.WordCount() >= d.minWords && view.Duration() >= d.minSpeechSecs
}

// noSpeech records the outcome and hands the session to the transcription
// fallback, which checks whether any audio exists worth a batch pass.
func (d *Detector) noSpeech(ctx context.Context, job *jobs.Job, sessionID, clientID string, log *slog.Logger) error {
	if err := d.queue.SetMeta(ctx, job.ID, map[string]any{"no_speech_detected": true}); err != nil {
		return err
	}
	_, err := d.queue.Enqueue(ctx, jobs.Opts{
		JobID:       pipeline.FallbackJobID(sessionID),
		Queue:       jobs.QueueTranscription,
		Handler:     pipeline.HandlerFallback,
		Args:        []string{sessionID, clientID},
		Description: "transcription fallback for " + sessionID,
	})
	if err != nil {
		return err
	}
	log.Info("no speech detected, fallback enqueued")
	return nil
}

// openConversation runs the optional enrolled-speaker check, then enqueues a
// conversation monitor and exits. The monitor restarts detection for the
// next conversation when it closes.
func (d *Detector) openConversation(ctx context.Context, job *jobs.Job, rec session.Record, log *slog.Logger) error {
	if d.enroller != nil {
		if ok, err := d.checkEnrolled(ctx, rec, log); err != nil {
			return err
		} else if !ok {
			_ = d.queue.SetMeta(ctx, job.ID, map[string]any{"skipped_reason": "no_enrolled_speaker"})
			log.Info("no enrolled speaker, not opening conversation")
			return nil
		}
	}

	n, err := d.sessions.ConversationCount(ctx, rec.SessionID)
	if err != nil {
		return err
	}
	monitorID := pipeline.MonitorJobID(rec.SessionID, n)

	ok, err := d.sessions.SetOpenConversation(ctx, rec.SessionID, monitorID, monitorTimeout)
	if err != nil {
		return err
	}
	if !ok {
		log.Info("conversation opened concurrently, skipping")
		return nil
	}

	if _, err := d.queue.Enqueue(ctx, jobs.Opts{
		JobID:       monitorID,
		Queue:       jobs.QueueDefault,
		Handler:     pipeline.HandlerMonitor,
		Args:        []string{rec.SessionID, rec.ClientID, job.ID},
		Timeout:     monitorTimeout + time.Minute,
		Description: "conversation monitor for " + rec.SessionID,
	}); err != nil {
		return err
	}
	if err := d.queue.SetMeta(ctx, job.ID, map[string]any{
		"monitor_job_id":     monitorID,
		"speech_detected_at": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	log.Info("speech detected, monitor enqueued", "monitor_job_id", monitorID)
	return nil
}

// checkEnrolled asks the speaker service for the user's enrolled profiles
// and records the outcome as a session marker. The call is bounded to 30 s;
// an unreachable service only blocks the conversation when enrollment is
// required.
func (d *Detector) checkEnrolled(ctx context.Context, rec session.Record, log *slog.Logger) (bool, error) {
	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	names, err := d.enroller.Enrolled(checkCtx, rec.UserID)
	marker := session.Marker{Type: "speaker_check", Timestamp: float64(time.Now().Unix())}
	switch {
	case err != nil:
		marker.State = "error"
		marker.Detail = err.Error()
		log.Warn("enrolled-speaker check failed", "error", err)
	case len(names) == 0:
		marker.State = "none"
	default:
		marker.State = "enrolled"
	}
	if merr := d.sessions.AddMarker(ctx, rec.SessionID, marker); merr != nil &&
		!errors.Is(merr, session.ErrSessionGone) {
		return false, merr
	}
	if !d.requireEnrolled {
		return true, nil
	}
	return err == nil && len(names) > 0, nil
}
