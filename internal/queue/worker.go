package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"seo-agents/backend/internal/logging"
)

// Handler processes one job. A nil return acks the job; an error nacks it
// for redelivery.
type Handler func(ctx context.Context, job Job) error

// WorkerOptions tunes a Worker.
type WorkerOptions struct {
	Name              string
	Concurrency       int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
}

// Worker claims jobs from a Queue and dispatches them to handlers by job name.
type Worker struct {
	queue    Queue
	logger   *logging.Logger
	opts     WorkerOptions
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewWorker creates a Worker. Zero options fall back to one slot, a one
// second poll and a five minute visibility timeout.
func NewWorker(q Queue, logger *logging.Logger, opts WorkerOptions) *Worker {
	if opts.Name == "" {
		opts.Name = "worker-" + uuid.NewString()[:8]
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 5 * time.Minute
	}
	return &Worker{
		queue:    q,
		logger:   logger.Component("queue.worker").With("worker", opts.Name),
		opts:     opts,
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for jobs named name.
func (w *Worker) Handle(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

// Run polls until ctx is cancelled and waits for in-flight jobs before returning.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started", "concurrency", w.opts.Concurrency, "poll_interval", w.opts.PollInterval)
	t := time.NewTicker(w.opts.PollInterval)
	defer t.Stop()

	for {
		n, err := w.ProcessOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("Worker poll failed", "error", err)
		}
		if n > 0 && ctx.Err() == nil {
			// drain without waiting a tick while there is work
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopped")
			return nil
		case <-t.C:
		}
	}
}

// ProcessOnce claims up to Concurrency jobs, runs them in parallel and
// returns how many were claimed.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	jobs, err := w.queue.Claim(ctx, w.opts.Concurrency, w.opts.Name, w.opts.VisibilityTimeout)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(w.opts.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			w.process(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs), nil
}

func (w *Worker) process(ctx context.Context, job Job) {
	// Acks and nacks must land even when the worker is shutting down.
	settle := context.WithoutCancel(ctx)

	w.mu.RLock()
	h, ok := w.handlers[job.Name]
	w.mu.RUnlock()
	if !ok {
		w.logger.Warn("No handler for job", "job", job.Name, "job_id", job.ID)
		if err := w.queue.Nack(settle, job, fmt.Errorf("no handler for %s", job.Name)); err != nil {
			w.logger.Error("Failed to nack job", "job_id", job.ID, "error", err)
		}
		return
	}

	if err := w.invoke(ctx, h, job); err != nil {
		w.logger.Warn("Job failed", "job", job.Name, "job_id", job.ID, "attempt", job.Attempts, "error", err)
		if err := w.queue.Nack(settle, job, err); err != nil {
			w.logger.Error("Failed to nack job", "job_id", job.ID, "error", err)
		}
		return
	}
	if err := w.queue.Ack(settle, job); err != nil {
		w.logger.Error("Failed to ack job", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) invoke(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}
