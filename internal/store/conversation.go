package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vivilabs/vivid/pkg/provider/stt"
)

// Processing status values for a conversation.
const (
	StatusPending              = "pending"
	StatusPendingTranscription = "pending_transcription"
	StatusProcessing           = "processing"
	StatusCompleted            = "completed"
	StatusTranscriptionFailed  = "transcription_failed"
)

// Soft-delete reasons recorded on the processing_status column.
const (
	DeleteNoSpeech      = "no_speech_detected"
	DeleteChunksMissing = "audio_chunks_not_ready"
)

// Diarization sources recorded on transcript versions.
const (
	DiarizedByProvider = "provider"
	DiarizedBySpeaker  = "speaker_service"
)

// TranscriptVersion is one full transcript of a conversation. Versions are
// append-only; refinement passes add a new version and move the active
// pointer rather than editing in place.
type TranscriptVersion struct {
	// ID identifies the version, e.g. "streaming_ab12cd34" or "batch_ab12cd34".
	ID string `json:"id"`

	// Provider labels the producing pass. Batch passes carry a "batch:"
	// prefix, which makes them supersede streaming results on aggregation.
	Provider string `json:"provider"`

	Text     string        `json:"text"`
	Words    []stt.Word    `json:"words,omitempty"`
	Segments []stt.Segment `json:"segments,omitempty"`

	// Speakers lists identified speaker names after recognition ran.
	Speakers []string `json:"speakers,omitempty"`

	// DiarizationSource records who attributed the segments: the provider's
	// own diarization, or the speaker service after recognition.
	DiarizationSource string `json:"diarization_source,omitempty"`

	// Metadata carries free-form pass details: source, word and chunk
	// counts, provider capabilities.
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Marker is a point-in-time annotation on a conversation, typically a device
// button event captured during the session.
type Marker struct {
	Type      string  `json:"type"`
	State     string  `json:"state,omitempty"`
	Timestamp float64 `json:"timestamp"`
	Detail    string  `json:"detail,omitempty"`
}

// Conversation is the stored conversation document.
type Conversation struct {
	ID                 string
	UserID             string
	ClientID           string
	Title              string
	Summary            string
	DetailedSummary    string
	TranscriptVersions []TranscriptVersion
	ActiveVersionID    string
	AudioChunksCount   int
	AudioTotalDuration float64
	ProcessingStatus   string
	AlwaysPersist      bool
	EndReason          string
	CompletedAt        *time.Time
	Markers            []Marker
	Deleted            bool
	DeletedAt          *time.Time
	Starred            bool
	CreatedAt          time.Time
}

// ActiveTranscript returns the transcript version the active pointer names,
// or nil when the conversation has no usable transcript yet.
func (c *Conversation) ActiveTranscript() *TranscriptVersion {
	for i := range c.TranscriptVersions {
		if c.TranscriptVersions[i].ID == c.ActiveVersionID {
			return &c.TranscriptVersions[i]
		}
	}
	return nil
}

const conversationColumns = `
	id, user_id, client_id, title, summary, detailed_summary,
	transcript_versions, active_transcript_version_id,
	audio_chunks_count, audio_total_duration, processing_status,
	always_persist, end_reason, completed_at, markers,
	deleted, deleted_at, starred, created_at`

// Create inserts a new conversation row.
func (s *Store) Create(ctx context.Context, c *Conversation) error {
	versions, err := json.Marshal(emptyNotNil(c.TranscriptVersions))
	if err != nil {
		return fmt.Errorf("store: marshal versions: %w", err)
	}
	markers, err := json.Marshal(emptyNotNil(c.Markers))
	if err != nil {
		return fmt.Errorf("store: marshal markers: %w", err)
	}
	if c.ProcessingStatus == "" {
		c.ProcessingStatus = StatusPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	const q = `
		INSERT INTO conversations
		    (id, user_id, client_id, title, transcript_versions,
		     active_transcript_version_id, processing_status, always_persist,
		     markers, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = s.pool.Exec(ctx, q,
		c.ID, c.UserID, c.ClientID, c.Title, versions,
		c.ActiveVersionID, c.ProcessingStatus, c.AlwaysPersist,
		markers, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create conversation %s: %w", c.ID, err)
	}
	return nil
}

// Get loads a conversation by id. Soft-deleted rows are returned too; callers
// check Deleted when it matters.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	q := "SELECT" + conversationColumns + " FROM conversations WHERE id = $1"
	row := s.pool.QueryRow(ctx, q, id)

	var (
		c        Conversation
		versions []byte
		markers  []byte
	)
	err := row.Scan(
		&c.ID, &c.UserID, &c.ClientID, &c.Title, &c.Summary, &c.DetailedSummary,
		&versions, &c.ActiveVersionID,
		&c.AudioChunksCount, &c.AudioTotalDuration, &c.ProcessingStatus,
		&c.AlwaysPersist, &c.EndReason, &c.CompletedAt, &markers,
		&c.Deleted, &c.DeletedAt, &c.Starred, &c.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get conversation %s: %w", id, err)
	}
	if err := json.Unmarshal(versions, &c.TranscriptVersions); err != nil {
		return nil, fmt.Errorf("store: decode versions for %s: %w", id, err)
	}
	if err := json.Unmarshal(markers, &c.Markers); err != nil {
		return nil, fmt.Errorf("store: decode markers for %s: %w", id, err)
	}
	return &c, nil
}

// SetTitle updates the conversation title.
func (s *Store) SetTitle(ctx context.Context, id, title string) error {
	return s.exec(ctx, id, "UPDATE conversations SET title = $2 WHERE id = $1", title)
}

// SetSummaries writes the title/summary triple produced by enrichment.
func (s *Store) SetSummaries(ctx context.Context, id, title, summary, detailed string) error {
	return s.exec(ctx, id,
		"UPDATE conversations SET title = $2, summary = $3, detailed_summary = $4 WHERE id = $1",
		title, summary, detailed)
}

// SetProcessingStatus updates the processing status column.
func (s *Store) SetProcessingStatus(ctx context.Context, id, status string) error {
	return s.exec(ctx, id, "UPDATE conversations SET processing_status = $2 WHERE id = $1", status)
}

// SetEndReason records why and when the conversation ended.
func (s *Store) SetEndReason(ctx context.Context, id, reason string, completedAt time.Time) error {
	return s.exec(ctx, id,
		"UPDATE conversations SET end_reason = $2, completed_at = $3 WHERE id = $1",
		reason, completedAt)
}

// SetStarred toggles the starred flag.
func (s *Store) SetStarred(ctx context.Context, id string, starred bool) error {
	return s.exec(ctx, id, "UPDATE conversations SET starred = $2 WHERE id = $1", starred)
}

// SoftDelete hides the conversation and records the reason as its final
// processing status. The row and its chunks stay for operator inspection.
func (s *Store) SoftDelete(ctx context.Context, id, reason string) error {
	return s.exec(ctx, id,
		"UPDATE conversations SET deleted = TRUE, deleted_at = now(), processing_status = $2 WHERE id = $1",
		reason)
}

// AddTranscriptVersion appends a version to the document and, when activate
// is set, moves the active pointer to it.
func (s *Store) AddTranscriptVersion(ctx context.Context, id string, v TranscriptVersion, activate bool) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal version: %w", err)
	}
	q := "UPDATE conversations SET transcript_versions = transcript_versions || $2::jsonb WHERE id = $1"
	if activate {
		q = "UPDATE conversations SET transcript_versions = transcript_versions || $2::jsonb, active_transcript_version_id = $3 WHERE id = $1"
		return s.exec(ctx, id, q, data, v.ID)
	}
	return s.exec(ctx, id, q, data)
}

// UpdateTranscriptVersion replaces the segments and speakers of an existing
// version in place and records who attributed them. Used by speaker
// recognition, which refines rather than re-transcribes.
func (s *Store) UpdateTranscriptVersion(ctx context.Context, id, versionID string, segments []stt.Segment, speakers []string, diarization string) error {
	c, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	updated := false
	for i := range c.TranscriptVersions {
		if c.TranscriptVersions[i].ID == versionID {
			c.TranscriptVersions[i].Segments = segments
			c.TranscriptVersions[i].Speakers = speakers
			if diarization != "" {
				c.TranscriptVersions[i].DiarizationSource = diarization
			}
			updated = true
			break
		}
	}
	if !updated {
		return fmt.Errorf("store: conversation %s has no version %s", id, versionID)
	}
	data, err := json.Marshal(c.TranscriptVersions)
	if err != nil {
		return fmt.Errorf("store: marshal versions: %w", err)
	}
	return s.exec(ctx, id, "UPDATE conversations SET transcript_versions = $2 WHERE id = $1", data)
}

// AppendMarkers adds markers to the conversation document.
func (s *Store) AppendMarkers(ctx context.Context, id string, markers []Marker) error {
	if len(markers) == 0 {
		return nil
	}
	data, err := json.Marshal(markers)
	if err != nil {
		return fmt.Errorf("store: marshal markers: %w", err)
	}
	return s.exec(ctx, id,
		"UPDATE conversations SET markers = markers || $2::jsonb WHERE id = $1", data)
}

// exec runs an UPDATE keyed by conversation id and maps a zero row count to
// [ErrNotFound].
func (s *Store) exec(ctx context.Context, id, q string, args ...any) error {
	tag, err := s.pool.Exec(ctx, q, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("store: update conversation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// emptyNotNil substitutes an empty slice for nil so JSONB columns get '[]'
// instead of 'null'.
func emptyNotNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
