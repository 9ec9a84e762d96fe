package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"seo-agents/backend/internal/observability"
)

type memoryEntry struct {
	job         Job
	lockedUntil time.Time
	dead        bool
}

// MemoryQueue is an in-process Queue for tests and single-binary development.
type MemoryQueue struct {
	mu         sync.Mutex
	jobs       map[string]*memoryEntry
	repeatable map[string]*RepeatableJob
	now        func() time.Time
	seq        uint64
}

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithClock overrides the queue's time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) { q.now = now }
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		jobs:       make(map[string]*memoryEntry),
		repeatable: make(map[string]*RepeatableJob),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, name string, payload []byte, opts EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()

	if opts.Repeat != nil {
		r := opts.Repeat
		if r.Key == "" {
			return "", fmt.Errorf("repeatable job %s needs a key", name)
		}
		next, err := NextFire(r.Pattern, r.TZ, now)
		if err != nil {
			return "", err
		}
		q.repeatable[r.Key] = &RepeatableJob{
			Key:     r.Key,
			Name:    name,
			Payload: append([]byte(nil), payload...),
			Pattern: r.Pattern,
			TZ:      r.TZ,
			NextRun: next,
		}
		return r.Key, nil
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := q.jobs[id]; exists {
		return id, ErrDuplicate
	}
	q.jobs[id] = &memoryEntry{job: Job{
		ID:          id,
		Name:        name,
		Payload:     append([]byte(nil), payload...),
		MaxAttempts: maxAttempts(opts.MaxAttempts),
		RunAt:       now.Add(opts.Delay),
	}}
	observability.QueueJobs.WithLabelValues("memory", name, "enqueued").Inc()
	return id, nil
}

func (q *MemoryQueue) Claim(_ context.Context, max int, consumer string, visibility time.Duration) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 {
		max = 1
	}
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	now := q.now().UTC()
	q.promoteLocked(now)

	due := make([]*memoryEntry, 0)
	for _, e := range q.jobs {
		if e.dead || e.job.RunAt.After(now) || e.lockedUntil.After(now) {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].job.RunAt.Equal(due[j].job.RunAt) {
			return due[i].job.RunAt.Before(due[j].job.RunAt)
		}
		return due[i].job.ID < due[j].job.ID
	})
	if len(due) > max {
		due = due[:max]
	}

	out := make([]Job, 0, len(due))
	for _, e := range due {
		q.seq++
		e.job.Attempts++
		e.job.ClaimedBy = consumer
		e.job.Receipt = fmt.Sprintf("mem:%s:%d", consumer, q.seq)
		e.lockedUntil = now.Add(visibility)
		out = append(out, e.job)
	}
	return out, nil
}

// promoteLocked materializes a job for every repeatable trigger that is due.
// A trigger that missed several fires while nobody claimed produces one job.
func (q *MemoryQueue) promoteLocked(now time.Time) {
	for _, r := range q.repeatable {
		if r.NextRun.After(now) {
			continue
		}
		id := fmt.Sprintf("%s:%d", r.Key, r.NextRun.Unix())
		if _, exists := q.jobs[id]; !exists {
			q.jobs[id] = &memoryEntry{job: Job{
				ID:          id,
				Name:        r.Name,
				Payload:     append([]byte(nil), r.Payload...),
				MaxAttempts: DefaultMaxAttempts,
				RunAt:       r.NextRun,
			}}
		}
		if next, err := NextFire(r.Pattern, r.TZ, now); err == nil {
			r.NextRun = next
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[job.ID]
	if !ok || e.job.Receipt != job.Receipt {
		return nil
	}
	delete(q.jobs, job.ID)
	observability.QueueJobs.WithLabelValues("memory", job.Name, "acked").Inc()
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, job Job, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[job.ID]
	if !ok || e.job.Receipt != job.Receipt {
		return nil
	}
	if cause != nil {
		e.job.LastError = cause.Error()
	}
	e.lockedUntil = time.Time{}
	if e.job.Attempts >= e.job.MaxAttempts {
		e.dead = true
		observability.QueueJobs.WithLabelValues("memory", job.Name, "dead").Inc()
		return nil
	}
	e.job.RunAt = q.now().UTC().Add(nackDelay(e.job.Attempts))
	observability.QueueJobs.WithLabelValues("memory", job.Name, "nacked").Inc()
	return nil
}

func (q *MemoryQueue) RemoveRepeatable(_ context.Context, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.repeatable[key]; !ok {
		return false, nil
	}
	delete(q.repeatable, key)
	return true, nil
}

func (q *MemoryQueue) ListRepeatable(_ context.Context) ([]RepeatableJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]RepeatableJob, 0, len(q.repeatable))
	for _, r := range q.repeatable {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (q *MemoryQueue) ListDeadLetters(_ context.Context, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Job
	for _, e := range q.jobs {
		if e.dead {
			out = append(out, e.job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of live (not dead-lettered) jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.jobs {
		if !e.dead {
			n++
		}
	}
	return n
}

// Pending returns a snapshot of live jobs ordered by id.
func (q *MemoryQueue) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Job
	for _, e := range q.jobs {
		if !e.dead {
			out = append(out, e.job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
