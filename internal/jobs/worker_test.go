package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitStatus(t *testing.T, c *Client, id string, want Status) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		status, err := c.Status(context.Background(), id)
		if err == nil && status == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never reached %s (last: %s, err: %v)", id, want, status, err)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWorkerRunsJob(t *testing.T) {
	t.Parallel()
	c := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got atomic.Value
	reg := NewRegistry()
	reg.Register("echo", func(ctx context.Context, job *Job) error {
		got.Store(job.Arg(0))
		return nil
	})

	w := NewWorker(c, reg, []string{QueueDefault}, WithConcurrency(1))
	go func() { _ = w.Run(ctx) }()

	if _, err := c.Enqueue(ctx, Opts{JobID: "e1", Handler: "echo", Args: []string{"hello"}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitStatus(t, c, "e1", StatusFinished)
	if got.Load() != "hello" {
		t.Errorf("handler arg = %v, want hello", got.Load())
	}
}

func TestWorkerRecordsFailure(t *testing.T) {
	t.Parallel()
	c := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := NewRegistry()
	reg.Register("boom", func(ctx context.Context, job *Job) error {
		return errors.New("transcoder unavailable")
	})

	w := NewWorker(c, reg, []string{QueueDefault}, WithConcurrency(1))
	go func() { _ = w.Run(ctx) }()

	if _, err := c.Enqueue(ctx, Opts{JobID: "f1", Handler: "boom"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitStatus(t, c, "f1", StatusFailed)

	job, err := c.Get(ctx, "f1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Error != "transcoder unavailable" {
		t.Errorf("error = %q", job.Error)
	}
}

func TestWorkerFailureCancelsDependant(t *testing.T) {
	t.Parallel()
	c := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := NewRegistry()
	reg.Register("boom", func(ctx context.Context, job *Job) error {
		return errors.New("no")
	})
	reg.Register("noop", func(ctx context.Context, job *Job) error { return nil })

	w := NewWorker(c, reg, []string{QueueDefault}, WithConcurrency(1))
	go func() { _ = w.Run(ctx) }()

	if _, err := c.Enqueue(ctx, Opts{JobID: "head", Handler: "boom"}); err != nil {
		t.Fatalf("Enqueue head: %v", err)
	}
	if _, err := c.Enqueue(ctx, Opts{JobID: "tail", Handler: "noop", DependsOn: []string{"head"}}); err != nil {
		t.Fatalf("Enqueue tail: %v", err)
	}
	waitStatus(t, c, "head", StatusFailed)
	waitStatus(t, c, "tail", StatusCanceled)
}

func TestWorkerPromotesDependant(t *testing.T) {
	t.Parallel()
	c := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var order atomic.Int32
	var headAt, tailAt atomic.Int32
	reg := NewRegistry()
	reg.Register("first", func(ctx context.Context, job *Job) error {
		headAt.Store(order.Add(1))
		return nil
	})
	reg.Register("second", func(ctx context.Context, job *Job) error {
		tailAt.Store(order.Add(1))
		return nil
	})

	w := NewWorker(c, reg, []string{QueueDefault}, WithConcurrency(2))
	go func() { _ = w.Run(ctx) }()

	if _, err := c.Enqueue(ctx, Opts{JobID: "h", Handler: "first"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := c.Enqueue(ctx, Opts{JobID: "t", Handler: "second", DependsOn: []string{"h"}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitStatus(t, c, "t", StatusFinished)
	if headAt.Load() >= tailAt.Load() {
		t.Errorf("dependency ran at %d, dependant at %d", headAt.Load(), tailAt.Load())
	}
}

func TestWorkerRecoversPanic(t *testing.T) {
	t.Parallel()
	c := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := NewRegistry()
	reg.Register("panic", func(ctx context.Context, job *Job) error {
		panic("nil deref somewhere")
	})
	reg.Register("noop", func(ctx context.Context, job *Job) error { return nil })

	w := NewWorker(c, reg, []string{QueueDefault}, WithConcurrency(1))
	go func() { _ = w.Run(ctx) }()

	if _, err := c.Enqueue(ctx, Opts{JobID: "p1", Handler: "panic"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitStatus(t, c, "p1", StatusFailed)

	// The slot survives and keeps serving.
	if _, err := c.Enqueue(ctx, Opts{JobID: "p2", Handler: "noop"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitStatus(t, c, "p2", StatusFinished)
}

func TestWorkerHonorsSelfRequeue(t *testing.T) {
	t.Parallel()
	c := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	reg := NewRegistry()
	reg.Register("loop", func(ctx context.Context, job *Job) error {
		if runs.Add(1) == 1 {
			return NewClient(c.rdb).Requeue(ctx, job.ID)
		}
		return nil
	})

	w := NewWorker(c, reg, []string{QueueDefault}, WithConcurrency(1))
	go func() { _ = w.Run(ctx) }()

	if _, err := c.Enqueue(ctx, Opts{JobID: "loop", Handler: "loop"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitStatus(t, c, "loop", StatusFinished)
	if runs.Load() != 2 {
		t.Errorf("runs = %d, want 2", runs.Load())
	}
}
