// Package queue is the durable job queue the orchestrator and scheduler run
// on. Delivery is at-least-once and unordered: a claimed job that is neither
// acked nor nacked before its visibility timeout becomes claimable again.
// Repeatable jobs are cron triggers that materialize a regular job each time
// they come due.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrDuplicate is returned by Enqueue when a job with the same id is already queued.
var ErrDuplicate = errors.New("job already enqueued")

// Job is one delivery of a queued message.
type Job struct {
	ID          string
	Name        string
	Payload     json.RawMessage
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
	Receipt     string
	ClaimedBy   string
	LastError   string
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Repeat makes an enqueue a cron trigger instead of a one-off job.
type Repeat struct {
	Pattern string
	TZ      string
	// Key identifies the trigger. Re-enqueueing with the same key replaces it.
	Key string
}

// EnqueueOptions controls how a job is queued.
type EnqueueOptions struct {
	// JobID deduplicates: enqueueing an id that is still queued is a no-op
	// reported as ErrDuplicate.
	JobID       string
	Delay       time.Duration
	Repeat      *Repeat
	MaxAttempts int
}

// RepeatableJob is a registered cron trigger.
type RepeatableJob struct {
	Key     string
	Name    string
	Payload json.RawMessage
	Pattern string
	TZ      string
	NextRun time.Time
}

// Queue is the broker contract.
type Queue interface {
	// Enqueue queues a job, or registers/replaces a repeatable trigger when
	// opts.Repeat is set. It returns the job id or repeat key.
	Enqueue(ctx context.Context, name string, payload []byte, opts EnqueueOptions) (string, error)
	// Claim leases up to max due jobs to consumer for the visibility timeout.
	Claim(ctx context.Context, max int, consumer string, visibility time.Duration) ([]Job, error)
	// Ack removes a finished job.
	Ack(ctx context.Context, job Job) error
	// Nack returns a failed job for redelivery with backoff, or dead-letters
	// it once its attempts are exhausted.
	Nack(ctx context.Context, job Job, cause error) error
	// RemoveRepeatable deletes the trigger with key and reports whether one existed.
	RemoveRepeatable(ctx context.Context, key string) (bool, error)
	ListRepeatable(ctx context.Context) ([]RepeatableJob, error)
	ListDeadLetters(ctx context.Context, limit int) ([]Job, error)
}

// DefaultMaxAttempts bounds deliveries when EnqueueOptions.MaxAttempts is zero.
const DefaultMaxAttempts = 5

// Backoff returns the exponential delay before the given 1-based attempt,
// without jitter.
func Backoff(initial, maxDelay time.Duration, multiplier float64, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxDelay
	b.Multiplier = multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := initial
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

func nackDelay(attempts int) time.Duration {
	return Backoff(time.Second, 5*time.Minute, 2, attempts)
}

func maxAttempts(n int) int {
	if n <= 0 {
		return DefaultMaxAttempts
	}
	return n
}
