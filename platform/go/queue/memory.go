package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryQueue is an in-process implementation of the same Queue/Consumer
// contract, suitable for tests and single-node development. Jobs live only as
// long as the process.
type MemoryQueue struct {
	logger   *zap.Logger
	mu       sync.Mutex
	handlers map[string]Handler
	ready    chan envelope
	dead     []envelope
}

// NewMemoryQueue builds an empty in-memory queue.
func NewMemoryQueue(logger *zap.Logger) *MemoryQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryQueue{
		logger:   logger,
		handlers: make(map[string]Handler),
		ready:    make(chan envelope, 1024),
	}
}

// Enqueue schedules a job; a delay is honored with a timer.
func (q *MemoryQueue) Enqueue(ctx context.Context, jobType string, payload any, opts Options) (string, error) {
	env, err := newEnvelope(jobType, payload, opts)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}
	q.schedule(env, opts.Delay)
	return env.ID, nil
}

// Register binds a handler to a job type. Must be called before Run.
func (q *MemoryQueue) Register(jobType string, h Handler) {
	if h == nil {
		panic("nil handler for job type " + jobType)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// Run consumes jobs until the context is cancelled.
func (q *MemoryQueue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-q.ready:
			env.Attempt++
			q.dispatch(ctx, env)
		}
	}
}

// DeadLetters returns a snapshot of jobs whose attempts were exhausted.
func (q *MemoryQueue) DeadLetters() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]Job, 0, len(q.dead))
	for _, env := range q.dead {
		jobs = append(jobs, env.job())
	}
	return jobs
}

func (q *MemoryQueue) dispatch(ctx context.Context, env envelope) {
	q.mu.Lock()
	handler, ok := q.handlers[env.Type]
	q.mu.Unlock()

	if !ok {
		q.logger.Warn("no handler for job type, dead-lettering", zap.String("job_type", env.Type))
		q.bury(env)
		return
	}

	if err := handler(ctx, env.job()); err != nil {
		if env.Attempt >= env.MaxAttempts {
			q.logger.Error("job attempts exhausted",
				zap.String("job_type", env.Type), zap.String("job_id", env.ID), zap.Error(err))
			q.bury(env)
			return
		}
		q.schedule(env, env.nextBackoff())
	}
}

func (q *MemoryQueue) schedule(env envelope, delay time.Duration) {
	if delay <= 0 {
		q.ready <- env
		return
	}
	time.AfterFunc(delay, func() {
		q.ready <- env
	})
}

func (q *MemoryQueue) bury(env envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, env)
}

var (
	_ Queue    = (*MemoryQueue)(nil)
	_ Consumer = (*MemoryQueue)(nil)
)
