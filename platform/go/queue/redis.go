package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const promoteBatch = 64

// RedisQueue is a redis-backed Queue/Consumer pair. Ready jobs sit on a list,
// delayed and retrying jobs on a sorted set scored by their ready time, and
// exhausted jobs on a dead list for operator inspection. BRPOP removes a job
// from the list before the handler runs, so a consumer crash mid-handling
// drops that delivery (see the package doc).
type RedisQueue struct {
	client   *redis.Client
	logger   *zap.Logger
	prefix   string
	handlers map[string]Handler
}

// NewRedisQueue connects a queue to an existing redis client. The prefix
// namespaces the queue's keys (e.g. "manylead:jobs").
func NewRedisQueue(client *redis.Client, prefix string, logger *zap.Logger) *RedisQueue {
	if client == nil {
		panic("redis queue requires client")
	}
	if prefix == "" {
		panic("redis queue requires key prefix")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisQueue{
		client:   client,
		logger:   logger,
		prefix:   prefix,
		handlers: make(map[string]Handler),
	}
}

func (q *RedisQueue) readyKey() string   { return q.prefix + ":ready" }
func (q *RedisQueue) delayedKey() string { return q.prefix + ":delayed" }
func (q *RedisQueue) deadKey() string    { return q.prefix + ":dead" }

// Enqueue schedules a job and returns its id.
func (q *RedisQueue) Enqueue(ctx context.Context, jobType string, payload any, opts Options) (string, error) {
	env, err := newEnvelope(jobType, payload, opts)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}
	if err := q.push(ctx, env, opts.Delay); err != nil {
		return "", err
	}
	return env.ID, nil
}

// Register binds a handler to a job type. Must be called before Run.
func (q *RedisQueue) Register(jobType string, h Handler) {
	if h == nil {
		panic("nil handler for job type " + jobType)
	}
	q.handlers[jobType] = h
}

// Run consumes jobs until the context is cancelled. Due delayed jobs are
// promoted to the ready list before each blocking pop; only the promoter that
// wins the ZREM moves a member, so concurrent workers never duplicate a job.
func (q *RedisQueue) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := q.promoteDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Error("promote delayed jobs", zap.Error(err))
		}

		res, err := q.client.BRPop(ctx, time.Second, q.readyKey()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			q.logger.Error("pop ready job", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		// BRPop returns [key, value].
		if len(res) != 2 {
			continue
		}
		q.dispatch(ctx, []byte(res[1]))
	}
}

func (q *RedisQueue) dispatch(ctx context.Context, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		q.logger.Error("decode job envelope", zap.Error(err), zap.ByteString("raw", raw))
		return
	}
	env.Attempt++

	handler, ok := q.handlers[env.Type]
	if !ok {
		q.logger.Warn("no handler for job type, dead-lettering",
			zap.String("job_type", env.Type), zap.String("job_id", env.ID))
		q.deadLetter(ctx, env)
		return
	}

	if err := handler(ctx, env.job()); err != nil {
		q.retryOrBury(ctx, env, err)
		return
	}
}

func (q *RedisQueue) retryOrBury(ctx context.Context, env envelope, cause error) {
	if env.Attempt >= env.MaxAttempts {
		q.logger.Error("job attempts exhausted",
			zap.String("job_type", env.Type),
			zap.String("job_id", env.ID),
			zap.Int("attempts", env.Attempt),
			zap.Error(cause),
		)
		q.deadLetter(ctx, env)
		return
	}

	delay := env.nextBackoff()
	q.logger.Warn("job failed, scheduling retry",
		zap.String("job_type", env.Type),
		zap.String("job_id", env.ID),
		zap.Int("attempt", env.Attempt),
		zap.Duration("retry_in", delay),
		zap.Error(cause),
	)
	if err := q.push(ctx, env, delay); err != nil {
		q.logger.Error("reschedule job", zap.String("job_id", env.ID), zap.Error(err))
	}
}

func (q *RedisQueue) deadLetter(ctx context.Context, env envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		q.logger.Error("encode dead job", zap.String("job_id", env.ID), zap.Error(err))
		return
	}
	if err := q.client.LPush(ctx, q.deadKey(), body).Err(); err != nil {
		q.logger.Error("push dead job", zap.String("job_id", env.ID), zap.Error(err))
	}
}

func (q *RedisQueue) push(ctx context.Context, env envelope, delay time.Duration) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode job envelope: %w", err)
	}

	if delay <= 0 {
		if err := q.client.LPush(ctx, q.readyKey(), body).Err(); err != nil {
			return fmt.Errorf("push ready job: %w", err)
		}
		return nil
	}

	score := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: score, Member: body}).Err(); err != nil {
		return fmt.Errorf("push delayed job: %w", err)
	}
	return nil
}

func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another worker promoted it first
		}
		if err := q.client.LPush(ctx, q.readyKey(), member).Err(); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ Queue    = (*RedisQueue)(nil)
	_ Consumer = (*RedisQueue)(nil)
)
