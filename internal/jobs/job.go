// Package jobs provides the Redis-backed job queue that schedules every
// pipeline worker: named queues with priority order, per-job timeouts,
// dependency chains with deferred promotion, cancellation of dependants on
// failure, and mutable structured progress metadata.
//
// Retries are deliberately absent. A failed job stays failed; only the two
// long-running session loops (speech detection and audio persistence) are
// ever re-enqueued, and that is the caller's explicit decision.
package jobs

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusDeferred Status = "deferred"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Done reports whether s is a terminal state.
func (s Status) Done() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusCanceled
}

// Queue names used by the pipeline, in worker priority order.
const (
	QueueTranscription = "transcription"
	QueueMemory        = "memory"
	QueueAudio         = "audio"
	QueueDefault       = "default"
)

// Job is one unit of queued work.
type Job struct {
	ID          string
	Queue       string
	Handler     string
	Args        []string
	Status      Status
	Timeout     time.Duration
	ResultTTL   time.Duration
	DependsOn   []string
	Description string
	Meta        map[string]any
	Error       string
	EnqueuedAt  time.Time
	StartedAt   time.Time
	EndedAt     time.Time
}

// Arg returns positional argument i, "" when absent.
func (j *Job) Arg(i int) string {
	if i < 0 || i >= len(j.Args) {
		return ""
	}
	return j.Args[i]
}

// Opts describes a job to enqueue.
type Opts struct {
	// JobID fixes the job id for later lookup. Empty generates one.
	JobID string

	// Queue is the queue name; QueueDefault when empty.
	Queue string

	// Handler is the registered handler function name.
	Handler string

	// Args are positional string arguments passed to the handler.
	Args []string

	// Timeout bounds the handler's execution; the worker cancels the
	// handler context when it expires. Zero means one hour.
	Timeout time.Duration

	// ResultTTL is how long the finished job record is kept. Zero means
	// 500 s, matching the queue's UI retention default.
	ResultTTL time.Duration

	// DependsOn defers this job until every named job finishes. A failed or
	// canceled dependency cancels this job.
	DependsOn []string

	// Description is a human-readable label for operations tooling.
	Description string

	// Meta seeds the job's structured progress metadata.
	Meta map[string]any
}

const (
	defaultTimeout   = time.Hour
	defaultResultTTL = 500 * time.Second
)

func (o Opts) withDefaults() Opts {
	if o.Queue == "" {
		o.Queue = QueueDefault
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.ResultTTL <= 0 {
		o.ResultTTL = defaultResultTTL
	}
	return o
}

// encodeMeta renders meta as the JSON stored in the job hash.
func encodeMeta(meta map[string]any) string {
	if len(meta) == 0 {
		return "{}"
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// decodeMeta parses the stored meta JSON, returning an empty map on malformed
// input so readers never fail on progress data.
func decodeMeta(raw string) map[string]any {
	meta := map[string]any{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &meta)
	}
	return meta
}
