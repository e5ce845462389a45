package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// HandlerFunc executes one job. The context carries the job's timeout; a
// handler that outlives it must treat ctx.Err() as an order to stop.
type HandlerFunc func(ctx context.Context, job *Job) error

// Registry maps handler names to their implementations. Handlers are
// registered at startup before any worker runs; the map is read-only after
// that, so no locking.
type Registry struct {
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler name. Registering a duplicate name panics; that is
// always a wiring bug.
func (r *Registry) Register(name string, fn HandlerFunc) {
	if _, ok := r.handlers[name]; ok {
		panic("jobs: duplicate handler " + name)
	}
	r.handlers[name] = fn
}

// Lookup resolves a handler name.
func (r *Registry) Lookup(name string) (HandlerFunc, bool) {
	fn, ok := r.handlers[name]
	return fn, ok
}

// Worker pulls jobs from a set of queues and executes them. Each Run spawns
// one goroutine per concurrency slot; every slot blocks on the same BRPOP
// across all queues, so earlier queue names win when several have work.
type Worker struct {
	client      *Client
	registry    *Registry
	queues      []string
	name        string
	concurrency int
	popTimeout  time.Duration
	log         *slog.Logger
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithConcurrency sets the number of parallel job slots. Default 4.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithWorkerName overrides the worker name recorded on started jobs.
func WithWorkerName(name string) WorkerOption {
	return func(w *Worker) { w.name = name }
}

// WithWorkerLogger sets the logger. Default slog.Default().
func WithWorkerLogger(log *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if log != nil {
			w.log = log
		}
	}
}

// NewWorker returns a worker over the given queues, highest priority first.
func NewWorker(client *Client, registry *Registry, queues []string, opts ...WorkerOption) *Worker {
	host, _ := os.Hostname()
	w := &Worker{
		client:      client,
		registry:    registry,
		queues:      queues,
		name:        fmt.Sprintf("%s:%d", host, os.Getpid()),
		concurrency: 4,
		popTimeout:  2 * time.Second,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes jobs until ctx is cancelled. Jobs already running when ctx
// ends are allowed to finish under their own timeout.
func (w *Worker) Run(ctx context.Context) error {
	keys := make([]string, len(w.queues))
	for i, q := range w.queues {
		keys[i] = queueKey(q)
	}
	w.log.Info("worker started", "queues", w.queues, "concurrency", w.concurrency)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			for {
				if err := ctx.Err(); err != nil {
					return nil
				}
				res, err := w.client.rdb.BRPop(ctx, w.popTimeout, keys...).Result()
				if errors.Is(err, redis.Nil) {
					continue
				}
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					w.log.Error("queue pop failed", "error", err)
					time.Sleep(time.Second)
					continue
				}
				// BRPop returns [key, value].
				w.execute(ctx, res[1])
			}
		})
	}
	err := g.Wait()
	w.log.Info("worker stopped")
	return err
}

// execute runs one job end to end. Handler panics are converted to job
// failures so a bad job cannot take the worker slot down.
func (w *Worker) execute(parent context.Context, jobID string) {
	job, err := w.client.Get(parent, jobID)
	if errors.Is(err, ErrNotFound) {
		// Canceled between pop and load; nothing to do.
		return
	}
	if err != nil {
		w.log.Error("job load failed", "job_id", jobID, "error", err)
		return
	}
	fn, ok := w.registry.Lookup(job.Handler)
	if !ok {
		w.log.Error("unknown handler", "job_id", job.ID, "handler", job.Handler)
		_ = w.client.markEnded(parent, job, StatusFailed, "unknown handler "+job.Handler)
		return
	}
	if err := w.client.markStarted(parent, job, w.name); err != nil {
		w.log.Error("job start failed", "job_id", job.ID, "error", err)
		return
	}
	w.log.Info("job started", "job_id", job.ID, "handler", job.Handler, "queue", job.Queue)

	// Jobs finish under their own timeout even during worker shutdown.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), job.Timeout)
	defer cancel()

	start := time.Now()
	err = w.run(ctx, fn, job)
	switch {
	case err != nil:
		w.log.Error("job failed", "job_id", job.ID, "handler", job.Handler, "error", err, "elapsed", time.Since(start))
		if endErr := w.client.markEnded(ctx, job, StatusFailed, err.Error()); endErr != nil {
			w.log.Error("job state update failed", "job_id", job.ID, "error", endErr)
		}
	default:
		// A handler may requeue itself; do not overwrite that state.
		status, statusErr := w.client.Status(ctx, job.ID)
		if statusErr == nil && status == StatusQueued {
			w.log.Info("job requeued", "job_id", job.ID, "handler", job.Handler)
			return
		}
		w.log.Info("job finished", "job_id", job.ID, "handler", job.Handler, "elapsed", time.Since(start))
		if endErr := w.client.markEnded(ctx, job, StatusFinished, ""); endErr != nil {
			w.log.Error("job state update failed", "job_id", job.ID, "error", endErr)
		}
	}
}

// run invokes the handler, recovering panics into errors.
func (w *Worker) run(ctx context.Context, fn HandlerFunc, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jobs: handler panic: %v", r)
		}
	}()
	return fn(ctx, job)
}
