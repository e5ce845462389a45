package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a job id resolves to no record, either because
// it never existed or because its result TTL elapsed.
var ErrNotFound = errors.New("jobs: job not found")

// Client enqueues, inspects, and cancels jobs. Workers share the same client
// for state transitions so the promotion and cancellation rules live in one
// place.
type Client struct {
	rdb redis.UniversalClient
}

// NewClient returns a queue client backed by rdb.
func NewClient(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

// jobKey returns the hash key holding a job's record.
func jobKey(id string) string { return "jobs:job:" + id }

// queueKey returns the list key of a named queue.
func queueKey(name string) string { return "jobs:queue:" + name }

// depsKey returns the set of job ids deferred on the given dependency.
func depsKey(dependencyID string) string { return "jobs:deferred:" + dependencyID }

// Enqueue records the job and either pushes it onto its queue or parks it
// behind its dependencies. Dependencies that already finished count as
// satisfied; if any dependency already failed or was canceled, or its record
// is gone, the new job is born canceled.
func (c *Client) Enqueue(ctx context.Context, opts Opts) (*Job, error) {
	opts = opts.withDefaults()
	if opts.Handler == "" {
		return nil, errors.New("jobs: enqueue: handler name required")
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	job := &Job{
		ID:          id,
		Queue:       opts.Queue,
		Handler:     opts.Handler,
		Args:        opts.Args,
		Status:      StatusQueued,
		Timeout:     opts.Timeout,
		ResultTTL:   opts.ResultTTL,
		DependsOn:   opts.DependsOn,
		Description: opts.Description,
		Meta:        opts.Meta,
		EnqueuedAt:  time.Now().UTC(),
	}

	var pending []string
	for _, depID := range opts.DependsOn {
		dep, err := c.Get(ctx, depID)
		switch {
		case errors.Is(err, ErrNotFound):
			job.Status = StatusCanceled
			job.Error = fmt.Sprintf("dependency %s not found", depID)
		case err != nil:
			return nil, err
		case dep.Status == StatusFailed || dep.Status == StatusCanceled:
			job.Status = StatusCanceled
			job.Error = fmt.Sprintf("dependency %s %s", dep.ID, dep.Status)
		case dep.Status != StatusFinished:
			pending = append(pending, depID)
		}
		if job.Status == StatusCanceled {
			break
		}
	}
	if job.Status == StatusQueued && len(pending) > 0 {
		job.Status = StatusDeferred
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id), jobFields(job))
	switch job.Status {
	case StatusQueued:
		pipe.LPush(ctx, queueKey(job.Queue), id)
	case StatusDeferred:
		pipe.HSet(ctx, jobKey(id), "deps_pending", strconv.Itoa(len(pending)))
		for _, depID := range pending {
			pipe.SAdd(ctx, depsKey(depID), id)
		}
	case StatusCanceled:
		pipe.Expire(ctx, jobKey(id), job.ResultTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("jobs: enqueue %s: %w", id, err)
	}
	return job, nil
}

// Get loads a job record.
func (c *Client) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := c.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("jobs: get %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return jobFromFields(id, fields), nil
}

// Exists reports whether the job record is still present. The long-running
// session loops call this each iteration as a zombie check: a vanished record
// means the job was canceled and the loop must stop.
func (c *Client) Exists(ctx context.Context, id string) (bool, error) {
	n, err := c.rdb.Exists(ctx, jobKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("jobs: exists %s: %w", id, err)
	}
	return n > 0, nil
}

// Status returns the job's current status.
func (c *Client) Status(ctx context.Context, id string) (Status, error) {
	s, err := c.rdb.HGet(ctx, jobKey(id), "status").Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("jobs: status %s: %w", id, err)
	}
	return Status(s), nil
}

// SetMeta merges the given keys into the job's metadata. Concurrent writers
// to distinct keys do not clobber each other beyond the usual read-modify-
// write window; the pipeline only needs meta for coarse progress reporting.
func (c *Client) SetMeta(ctx context.Context, id string, patch map[string]any) error {
	raw, err := c.rdb.HGet(ctx, jobKey(id), "meta").Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("jobs: get meta %s: %w", id, err)
	}
	meta := decodeMeta(raw)
	for k, v := range patch {
		meta[k] = v
	}
	if err := c.rdb.HSet(ctx, jobKey(id), "meta", encodeMeta(meta)).Err(); err != nil {
		return fmt.Errorf("jobs: set meta %s: %w", id, err)
	}
	return nil
}

// Meta returns the job's metadata map.
func (c *Client) Meta(ctx context.Context, id string) (map[string]any, error) {
	raw, err := c.rdb.HGet(ctx, jobKey(id), "meta").Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: meta %s: %w", id, err)
	}
	return decodeMeta(raw), nil
}

// Cancel cancels a single job if it has not started. Queued jobs are removed
// from their queue list, deferred jobs from their dependency set; in both
// cases the job's own dependants are canceled too. Started and terminal jobs
// are left alone.
func (c *Client) Cancel(ctx context.Context, id string) error {
	job, err := c.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch job.Status {
	case StatusQueued:
		if err := c.rdb.LRem(ctx, queueKey(job.Queue), 0, id).Err(); err != nil {
			return fmt.Errorf("jobs: cancel %s: %w", id, err)
		}
	case StatusDeferred:
		for _, depID := range job.DependsOn {
			if err := c.rdb.SRem(ctx, depsKey(depID), id).Err(); err != nil {
				return fmt.Errorf("jobs: cancel %s: %w", id, err)
			}
		}
	default:
		return nil
	}
	if err := c.markEnded(ctx, job, StatusCanceled, "canceled"); err != nil {
		return err
	}
	return c.cancelDependants(ctx, id, fmt.Sprintf("dependency %s canceled", id))
}

// CancelPattern cancels every not-yet-started job whose id begins with prefix.
// The session teardown path uses deterministic ids ("<kind>_<session>") so one
// call sweeps a whole session's pending work.
func (c *Client) CancelPattern(ctx context.Context, prefix string) error {
	var cursor uint64
	match := jobKey(prefix) + "*"
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return fmt.Errorf("jobs: scan %s: %w", match, err)
		}
		for _, key := range keys {
			id := key[len("jobs:job:"):]
			if err := c.Cancel(ctx, id); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// ─── Worker-side transitions ───

// markStarted records the job as running under the named worker.
func (c *Client) markStarted(ctx context.Context, job *Job, worker string) error {
	job.Status = StatusStarted
	job.StartedAt = time.Now().UTC()
	err := c.rdb.HSet(ctx, jobKey(job.ID), map[string]any{
		"status":     string(StatusStarted),
		"started_at": job.StartedAt.Format(time.RFC3339Nano),
		"worker":     worker,
	}).Err()
	if err != nil {
		return fmt.Errorf("jobs: mark started %s: %w", job.ID, err)
	}
	return nil
}

// markEnded records a terminal status, applies the result TTL, and releases
// anything waiting on the job: finish promotes dependants, failure or
// cancellation cancels them.
func (c *Client) markEnded(ctx context.Context, job *Job, status Status, jobErr string) error {
	job.Status = status
	job.Error = jobErr
	job.EndedAt = time.Now().UTC()
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), map[string]any{
		"status":   string(status),
		"error":    jobErr,
		"ended_at": job.EndedAt.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, jobKey(job.ID), job.ResultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobs: mark %s %s: %w", status, job.ID, err)
	}

	switch status {
	case StatusFinished:
		return c.promoteDependants(ctx, job.ID)
	case StatusFailed, StatusCanceled:
		return c.cancelDependants(ctx, job.ID, fmt.Sprintf("dependency %s %s", job.ID, status))
	}
	return nil
}

// promoteDependants releases every job deferred on id: the last satisfied
// dependency moves the dependant onto its queue.
func (c *Client) promoteDependants(ctx context.Context, id string) error {
	ids, err := c.rdb.SMembers(ctx, depsKey(id)).Result()
	if err != nil {
		return fmt.Errorf("jobs: deferred set %s: %w", id, err)
	}
	for _, depID := range ids {
		dep, err := c.Get(ctx, depID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if dep.Status != StatusDeferred {
			continue
		}
		left, err := c.rdb.HIncrBy(ctx, jobKey(depID), "deps_pending", -1).Result()
		if err != nil {
			return fmt.Errorf("jobs: promote %s: %w", depID, err)
		}
		if err := c.rdb.SRem(ctx, depsKey(id), depID).Err(); err != nil {
			return fmt.Errorf("jobs: promote %s: %w", depID, err)
		}
		if left > 0 {
			continue
		}
		pipe := c.rdb.TxPipeline()
		pipe.HSet(ctx, jobKey(depID), "status", string(StatusQueued))
		pipe.LPush(ctx, queueKey(dep.Queue), depID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("jobs: promote %s: %w", depID, err)
		}
	}
	return c.rdb.Del(ctx, depsKey(id)).Err()
}

// cancelDependants cancels every job deferred on id, then recurses so a
// failure at the head of a chain takes the whole chain down.
func (c *Client) cancelDependants(ctx context.Context, id, reason string) error {
	ids, err := c.rdb.SMembers(ctx, depsKey(id)).Result()
	if err != nil {
		return fmt.Errorf("jobs: deferred set %s: %w", id, err)
	}
	for _, depID := range ids {
		dep, err := c.Get(ctx, depID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if dep.Status != StatusDeferred {
			continue
		}
		if err := c.markEnded(ctx, dep, StatusCanceled, reason); err != nil {
			return err
		}
	}
	return c.rdb.Del(ctx, depsKey(id)).Err()
}

// Requeue pushes an existing job back onto its queue. Reserved for the two
// long-running session loops, which yield their worker slot between bursts;
// ordinary jobs run exactly once.
func (c *Client) Requeue(ctx context.Context, id string) error {
	job, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id), map[string]any{
		"status": string(StatusQueued),
		"error":  "",
	})
	pipe.Persist(ctx, jobKey(id))
	pipe.LPush(ctx, queueKey(job.Queue), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobs: requeue %s: %w", id, err)
	}
	return nil
}

// QueueLen returns the number of jobs waiting on a named queue.
func (c *Client) QueueLen(ctx context.Context, queue string) (int64, error) {
	n, err := c.rdb.LLen(ctx, queueKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("jobs: queue len %s: %w", queue, err)
	}
	return n, nil
}

// ─── Hash codec ───

func jobFields(j *Job) map[string]any {
	args, _ := json.Marshal(j.Args)
	deps, _ := json.Marshal(j.DependsOn)
	return map[string]any{
		"queue":       j.Queue,
		"handler":     j.Handler,
		"args":        string(args),
		"status":      string(j.Status),
		"timeout_s":   strconv.Itoa(int(j.Timeout / time.Second)),
		"result_ttl":  strconv.Itoa(int(j.ResultTTL / time.Second)),
		"depends_on":  string(deps),
		"description": j.Description,
		"meta":        encodeMeta(j.Meta),
		"error":       j.Error,
		"enqueued_at": j.EnqueuedAt.Format(time.RFC3339Nano),
	}
}

func jobFromFields(id string, fields map[string]string) *Job {
	j := &Job{
		ID:          id,
		Queue:       fields["queue"],
		Handler:     fields["handler"],
		Status:      Status(fields["status"]),
		Description: fields["description"],
		Meta:        decodeMeta(fields["meta"]),
		Error:       fields["error"],
	}
	_ = json.Unmarshal([]byte(fields["args"]), &j.Args)
	_ = json.Unmarshal([]byte(fields["depends_on"]), &j.DependsOn)
	if n, err := strconv.Atoi(fields["timeout_s"]); err == nil {
		j.Timeout = time.Duration(n) * time.Second
	}
	if n, err := strconv.Atoi(fields["result_ttl"]); err == nil {
		j.ResultTTL = time.Duration(n) * time.Second
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["enqueued_at"]); err == nil {
		j.EnqueuedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["started_at"]); err == nil {
		j.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["ended_at"]); err == nil {
		j.EndedAt = t
	}
	return j
}
