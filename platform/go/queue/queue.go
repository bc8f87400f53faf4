// Package queue implements the minimal job contract the platform consumes:
// enqueue a typed payload with optional delay, bounded attempts and backoff,
// and register named consumers. A failed handler is redelivered with backoff
// until its attempts run out, so handlers must be idempotent. A consumer
// crash between pop and completion loses that one delivery; callers that
// cannot tolerate a dropped job keep their own record to re-drive from, the
// way the tenant registry's status column backs the retry endpoint.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job is one delivery handed to a registered handler.
type Job struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	// Attempt is 1-based and counts deliveries of this job so far.
	Attempt int `json:"attempt"`
	// MaxAttempts is the job's total delivery budget.
	MaxAttempts int `json:"max_attempts"`
}

// Final reports whether this delivery is the job's last: a handler error now
// buries the job instead of scheduling a retry.
func (j Job) Final() bool { return j.Attempt >= j.MaxAttempts }

// Options controls scheduling and retry behavior for one enqueued job.
type Options struct {
	// Delay postpones the first delivery.
	Delay time.Duration
	// Attempts caps total deliveries; zero means a single attempt.
	Attempts int
	// Backoff is the base wait before a retry; it doubles per failed attempt.
	Backoff time.Duration
}

// Handler processes one job delivery. A non-nil error triggers a retry until
// the job's attempts are exhausted, after which it lands on the dead list.
type Handler func(ctx context.Context, job Job) error

// Queue is the producer side of the contract.
type Queue interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts Options) (string, error)
}

// Consumer is the worker side: register handlers by job type, then Run until
// the context is cancelled.
type Consumer interface {
	Register(jobType string, h Handler)
	Run(ctx context.Context) error
}

// envelope is the wire form of a job, shared by the redis and memory backends.
type envelope struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	BackoffMS   int64           `json:"backoff_ms"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

func newEnvelope(jobType string, payload any, opts Options) (envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return envelope{}, err
	}

	attempts := opts.Attempts
	if attempts < 1 {
		attempts = 1
	}

	return envelope{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     body,
		Attempt:     0,
		MaxAttempts: attempts,
		BackoffMS:   opts.Backoff.Milliseconds(),
		EnqueuedAt:  time.Now().UTC(),
	}, nil
}

// nextBackoff doubles the base backoff per completed attempt.
func (e envelope) nextBackoff() time.Duration {
	base := time.Duration(e.BackoffMS) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < e.Attempt; i++ {
		d *= 2
	}
	return d
}

func (e envelope) job() Job {
	return Job{ID: e.ID, Type: e.Type, Payload: e.Payload, Attempt: e.Attempt, MaxAttempts: e.MaxAttempts}
}
