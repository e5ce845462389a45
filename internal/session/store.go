// Package session provides the shared session store: the Redis hash that
// carries all cross-worker state for one live recording connection, plus the
// small set of auxiliary signalling keys the pipeline workers coordinate
// through.
//
// Every worker that touches a session may be on a different host, so all
// mutations are single atomic Redis operations. Each auxiliary key has
// exactly one writer; everyone else only reads. A worker that finds its
// session missing must treat it as gone and exit its loop rather than
// recreate it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is the lifecycle state of a session. Transitions are one-way:
// active → finalizing → finished.
type Status string

const (
	StatusActive     Status = "active"
	StatusFinalizing Status = "finalizing"
	StatusFinished   Status = "finished"
)

// Mode selects how audio flows through the pipeline.
type Mode string

const (
	// ModeStreaming publishes chunks to the stream fabric as they arrive.
	ModeStreaming Mode = "streaming"

	// ModeBatch accumulates audio in the gateway and transcribes on flush.
	ModeBatch Mode = "batch"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeStreaming || m == ModeBatch
}

// Hash field names of the session record. Workers in other processes address
// fields by these names, so they are part of the backend wire contract.
const (
	FieldUserID             = "user_id"
	FieldUserEmail          = "user_email"
	FieldClientID           = "client_id"
	FieldMode               = "mode"
	FieldProvider           = "provider"
	FieldStatus             = "status"
	FieldCompletionReason   = "completion_reason"
	FieldConnected          = "websocket_connected"
	FieldChunksPublished    = "chunks_published"
	FieldAudioSeconds       = "audio_seconds_published"
	FieldAudioFormat        = "audio_format"
	FieldMarkers            = "markers"
	FieldSpeechJobID        = "speech_detection_job_id"
	FieldPersistJobID       = "persistence_job_id"
	FieldTranscriptionError = "transcription_error"
	FieldCloseRequested     = "conversation_close_requested"
	FieldAlwaysPersist      = "always_persist"
)

// Completion reasons written to FieldCompletionReason.
const (
	ReasonUserStopped     = "user_stopped"
	ReasonDisconnect      = "websocket_disconnect"
	ReasonAllJobsComplete = "all_jobs_complete"
)

// ErrSessionGone is returned when the session record does not exist (expired
// or never created). Long-running workers treat it as their exit signal.
var ErrSessionGone = errors.New("session: gone")

// Marker is a device event recorded against the session (button presses,
// speaker-check outcomes). Markers move onto the conversation document when
// the monitor opens one.
type Marker struct {
	Type      string  `json:"type"`
	State     string  `json:"state,omitempty"`
	Timestamp float64 `json:"timestamp"`
	Detail    string  `json:"detail,omitempty"`
}

// Record is a decoded session hash.
type Record struct {
	SessionID        string
	UserID           string
	UserEmail        string
	ClientID         string
	Mode             Mode
	Provider         string
	Status           Status
	CompletionReason string
	Connected        bool
	ChunksPublished  int64
	AudioSeconds     float64
	AudioFormat      string
	AlwaysPersist    bool
}

// Store provides atomic operations on session records and their auxiliary
// signalling keys. Safe for concurrent use.
type Store struct {
	rdb redis.UniversalClient
}

// NewStore returns a Store backed by rdb.
func NewStore(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Key returns the Redis key of the session hash.
func Key(sessionID string) string { return "audio:session:" + sessionID }

// Init creates the session record for a new connection. It overwrites any
// previous record under the same id (reconnect of the same device) and
// clears a stale TTL from a previous teardown.
func (s *Store) Init(ctx context.Context, rec Record) error {
	fields := map[string]any{
		FieldUserID:          rec.UserID,
		FieldUserEmail:       rec.UserEmail,
		FieldClientID:        rec.ClientID,
		FieldMode:            string(rec.Mode),
		FieldProvider:        rec.Provider,
		FieldStatus:          string(StatusActive),
		FieldConnected:       "true",
		FieldChunksPublished: 0,
		FieldAudioFormat:     rec.AudioFormat,
		FieldAlwaysPersist:   strconv.FormatBool(rec.AlwaysPersist),
	}
	key := Key(rec.SessionID)
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	pipe.Persist(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: init %s: %w", rec.SessionID, err)
	}
	return nil
}

// Get loads and decodes the session record.
func (s *Store) Get(ctx context.Context, sessionID string) (Record, error) {
	vals, err := s.rdb.HGetAll(ctx, Key(sessionID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	if len(vals) == 0 {
		return Record{}, ErrSessionGone
	}
	chunks, _ := strconv.ParseInt(vals[FieldChunksPublished], 10, 64)
	audioSecs, _ := strconv.ParseFloat(vals[FieldAudioSeconds], 64)
	return Record{
		SessionID:        sessionID,
		UserID:           vals[FieldUserID],
		UserEmail:        vals[FieldUserEmail],
		ClientID:         vals[FieldClientID],
		Mode:             Mode(vals[FieldMode]),
		Provider:         vals[FieldProvider],
		Status:           Status(vals[FieldStatus]),
		CompletionReason: vals[FieldCompletionReason],
		Connected:        vals[FieldConnected] == "true",
		ChunksPublished:  chunks,
		AudioSeconds:     audioSecs,
		AudioFormat:      vals[FieldAudioFormat],
		AlwaysPersist:    vals[FieldAlwaysPersist] == "true",
	}, nil
}

// Exists reports whether the session record exists.
func (s *Store) Exists(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, Key(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("session: exists %s: %w", sessionID, err)
	}
	return n > 0, nil
}

// Field returns a single field value. Missing field on an existing session
// returns ("", nil); missing session returns ErrSessionGone.
func (s *Store) Field(ctx context.Context, sessionID, field string) (string, error) {
	val, err := s.rdb.HGet(ctx, Key(sessionID), field).Result()
	if errors.Is(err, redis.Nil) {
		n, exErr := s.rdb.Exists(ctx, Key(sessionID)).Result()
		if exErr != nil {
			return "", fmt.Errorf("session: field %s.%s: %w", sessionID, field, exErr)
		}
		if n == 0 {
			return "", ErrSessionGone
		}
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: field %s.%s: %w", sessionID, field, err)
	}
	return val, nil
}

// SetField sets a single field.
func (s *Store) SetField(ctx context.Context, sessionID, field, value string) error {
	if err := s.rdb.HSet(ctx, Key(sessionID), field, value).Err(); err != nil {
		return fmt.Errorf("session: set %s.%s: %w", sessionID, field, err)
	}
	return nil
}

// SetFieldNX sets a field only if it is currently unset. Reports whether the
// write happened.
func (s *Store) SetFieldNX(ctx context.Context, sessionID, field, value string) (bool, error) {
	ok, err := s.rdb.HSetNX(ctx, Key(sessionID), field, value).Result()
	if err != nil {
		return false, fmt.Errorf("session: setnx %s.%s: %w", sessionID, field, err)
	}
	return ok, nil
}

// ClearField deletes a single field.
func (s *Store) ClearField(ctx context.Context, sessionID, field string) error {
	if err := s.rdb.HDel(ctx, Key(sessionID), field).Err(); err != nil {
		return fmt.Errorf("session: clear %s.%s: %w", sessionID, field, err)
	}
	return nil
}

// IncrField atomically increments a numeric field and returns the new value.
func (s *Store) IncrField(ctx context.Context, sessionID, field string) (int64, error) {
	n, err := s.rdb.HIncrBy(ctx, Key(sessionID), field, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("session: incr %s.%s: %w", sessionID, field, err)
	}
	return n, nil
}

// AddAudioSeconds advances the session's audio clock: the total seconds of
// audio published so far. The gateway is the only writer; the monitor reads
// it to measure inactivity in audio time rather than wall clock.
func (s *Store) AddAudioSeconds(ctx context.Context, sessionID string, secs float64) (float64, error) {
	n, err := s.rdb.HIncrByFloat(ctx, Key(sessionID), FieldAudioSeconds, secs).Result()
	if err != nil {
		return 0, fmt.Errorf("session: add audio seconds %s: %w", sessionID, err)
	}
	return n, nil
}

// SetStatus writes the lifecycle status and, when reason is non-empty, the
// completion reason in one round-trip.
func (s *Store) SetStatus(ctx context.Context, sessionID string, status Status, reason string) error {
	fields := map[string]any{FieldStatus: string(status)}
	if reason != "" {
		fields[FieldCompletionReason] = reason
	}
	if err := s.rdb.HSet(ctx, Key(sessionID), fields).Err(); err != nil {
		return fmt.Errorf("session: set status %s: %w", sessionID, err)
	}
	return nil
}

// Expire applies a TTL to the session record.
func (s *Store) Expire(ctx context.Context, sessionID string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, Key(sessionID), ttl).Err(); err != nil {
		return fmt.Errorf("session: expire %s: %w", sessionID, err)
	}
	return nil
}

// ─── Markers ──────────────────────────────────────────────────────────────────

// addMarkerScript appends one element to a JSON list stored in a hash field
// server-side, so concurrent writers cannot lose each other's markers.
var addMarkerScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
local list
if cur == false or cur == '' then
	list = {}
else
	list = cjson.decode(cur)
end
list[#list + 1] = cjson.decode(ARGV[2])
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(list))
return #list`)

// takeMarkersScript reads and clears the marker field in one step.
var takeMarkersScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur ~= false then
	redis.call('HDEL', KEYS[1], ARGV[1])
end
return cur`)

// AddMarker appends a marker to the session's marker list.
func (s *Store) AddMarker(ctx context.Context, sessionID string, m Marker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("session: marshal marker: %w", err)
	}
	err = addMarkerScript.Run(ctx, s.rdb, []string{Key(sessionID)}, FieldMarkers, string(data)).Err()
	if err != nil {
		return fmt.Errorf("session: add marker %s: %w", sessionID, err)
	}
	return nil
}

// Markers returns the session's accumulated markers. A missing field decodes
// as an empty list.
func (s *Store) Markers(ctx context.Context, sessionID string) ([]Marker, error) {
	raw, err := s.Field(ctx, sessionID, FieldMarkers)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var markers []Marker
	if err := json.Unmarshal([]byte(raw), &markers); err != nil {
		return nil, fmt.Errorf("session: decode markers: %w", err)
	}
	return markers, nil
}

// TakeMarkers returns the accumulated markers and clears them from the
// session in one step, so the monitor moves them onto the conversation
// without double delivery and without dropping a marker added in between.
func (s *Store) TakeMarkers(ctx context.Context, sessionID string) ([]Marker, error) {
	raw, err := takeMarkersScript.Run(ctx, s.rdb, []string{Key(sessionID)}, FieldMarkers).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: take markers %s: %w", sessionID, err)
	}
	if raw == "" {
		return nil, nil
	}
	var markers []Marker
	if err := json.Unmarshal([]byte(raw), &markers); err != nil {
		return nil, fmt.Errorf("session: decode markers: %w", err)
	}
	return markers, nil
}

// ─── Auxiliary signalling keys ────────────────────────────────────────────────

// Key layout shared by workers in other processes. Each key has one writer.
func conversationCountKey(sessionID string) string {
	return "session:conversation_count:" + sessionID
}
func currentConversationKey(sessionID string) string { return "conversation:current:" + sessionID }
func openConversationKey(sessionID string) string {
	return "open_conversation:session:" + sessionID
}
func transcriptionCompleteKey(sessionID string) string {
	return "transcription:complete:" + sessionID
}
func speechDetectionJobKey(clientID string) string { return "speech_detection_job:" + clientID }

// IncrConversationCount bumps the session-wide conversation counter and
// refreshes its 1 h TTL. Returns the new count.
func (s *Store) IncrConversationCount(ctx context.Context, sessionID string) (int64, error) {
	key := conversationCountKey(sessionID)
	pipe := s.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("session: incr conversation count %s: %w", sessionID, err)
	}
	return incr.Val(), nil
}

// ConversationCount returns the counter value, 0 when unset.
func (s *Store) ConversationCount(ctx context.Context, sessionID string) (int64, error) {
	val, err := s.rdb.Get(ctx, conversationCountKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("session: conversation count %s: %w", sessionID, err)
	}
	n, _ := strconv.ParseInt(val, 10, 64)
	return n, nil
}

// SetCurrentConversation writes the rotation signal read by the persistence
// worker. Written only by the conversation monitor.
func (s *Store) SetCurrentConversation(ctx context.Context, sessionID, conversationID string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, currentConversationKey(sessionID), conversationID, ttl).Err(); err != nil {
		return fmt.Errorf("session: set current conversation %s: %w", sessionID, err)
	}
	return nil
}

// CurrentConversation returns the current conversation id, "" when none.
func (s *Store) CurrentConversation(ctx context.Context, sessionID string) (string, error) {
	val, err := s.rdb.Get(ctx, currentConversationKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: current conversation %s: %w", sessionID, err)
	}
	return val, nil
}

// ClearCurrentConversation removes the rotation signal.
func (s *Store) ClearCurrentConversation(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, currentConversationKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("session: clear current conversation %s: %w", sessionID, err)
	}
	return nil
}

// SetOpenConversation records the live monitor's job id. NX semantics keep
// speech detection single-instance per session: the write fails when a
// monitor is already open.
func (s *Store) SetOpenConversation(ctx context.Context, sessionID, jobID string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, openConversationKey(sessionID), jobID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("session: set open conversation %s: %w", sessionID, err)
	}
	return ok, nil
}

// OpenConversation returns the live monitor job id, "" when none.
func (s *Store) OpenConversation(ctx context.Context, sessionID string) (string, error) {
	val, err := s.rdb.Get(ctx, openConversationKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: open conversation %s: %w", sessionID, err)
	}
	return val, nil
}

// ClearOpenConversation removes the monitor tracking key.
func (s *Store) ClearOpenConversation(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, openConversationKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("session: clear open conversation %s: %w", sessionID, err)
	}
	return nil
}

// SetTranscriptionComplete records the end-of-stream outcome ("ok" or
// "error") written by the streaming consumer.
func (s *Store) SetTranscriptionComplete(ctx context.Context, sessionID, outcome string) error {
	if err := s.rdb.Set(ctx, transcriptionCompleteKey(sessionID), outcome, 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("session: set transcription complete %s: %w", sessionID, err)
	}
	return nil
}

// TranscriptionComplete returns the end-of-stream outcome, "" when not yet set.
func (s *Store) TranscriptionComplete(ctx context.Context, sessionID string) (string, error) {
	val, err := s.rdb.Get(ctx, transcriptionCompleteKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: transcription complete %s: %w", sessionID, err)
	}
	return val, nil
}

// ClearTranscriptionComplete removes the end-of-stream flag so the streaming
// consumer can re-attach for the next conversation.
func (s *Store) ClearTranscriptionComplete(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, transcriptionCompleteKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("session: clear transcription complete %s: %w", sessionID, err)
	}
	return nil
}

// SetSpeechDetectionJob records the current detection job id for WS cleanup.
func (s *Store) SetSpeechDetectionJob(ctx context.Context, clientID, jobID string) error {
	if err := s.rdb.Set(ctx, speechDetectionJobKey(clientID), jobID, 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("session: set speech detection job %s: %w", clientID, err)
	}
	return nil
}

// SpeechDetectionJob returns the current detection job id, "" when none.
func (s *Store) SpeechDetectionJob(ctx context.Context, clientID string) (string, error) {
	val, err := s.rdb.Get(ctx, speechDetectionJobKey(clientID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: speech detection job %s: %w", clientID, err)
	}
	return val, nil
}
