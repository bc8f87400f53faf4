package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testPayload struct {
	OrganizationID string `json:"organization_id"`
}

func runConsumer(t *testing.T, q *MemoryQueue) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestMemoryQueueDeliversPayload(t *testing.T) {
	q := NewMemoryQueue(nil)

	var got atomic.Value
	q.Register("provision-tenant", func(ctx context.Context, job Job) error {
		var p testPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return err
		}
		got.Store(p.OrganizationID)
		return nil
	})
	runConsumer(t, q)

	id, err := q.Enqueue(context.Background(), "provision-tenant", testPayload{OrganizationID: "org_1"}, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	waitFor(t, func() bool { return got.Load() != nil })
	require.Equal(t, "org_1", got.Load())
}

func TestMemoryQueueRetriesThenSucceeds(t *testing.T) {
	q := NewMemoryQueue(nil)

	var calls atomic.Int32
	var lastAttempt atomic.Int32
	q.Register("flaky", func(ctx context.Context, job Job) error {
		lastAttempt.Store(int32(job.Attempt))
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	runConsumer(t, q)

	_, err := q.Enqueue(context.Background(), "flaky", testPayload{}, Options{
		Attempts: 5,
		Backoff:  time.Millisecond,
	})
	require.NoError(t, err)

	waitFor(t, func() bool { return calls.Load() == 3 })
	require.Equal(t, int32(3), lastAttempt.Load())
	require.Empty(t, q.DeadLetters())
}

func TestMemoryQueueBuriesAfterAttemptsExhausted(t *testing.T) {
	q := NewMemoryQueue(nil)

	var calls atomic.Int32
	q.Register("doomed", func(ctx context.Context, job Job) error {
		calls.Add(1)
		return errors.New("permanent")
	})
	runConsumer(t, q)

	_, err := q.Enqueue(context.Background(), "doomed", testPayload{}, Options{
		Attempts: 2,
		Backoff:  time.Millisecond,
	})
	require.NoError(t, err)

	waitFor(t, func() bool { return len(q.DeadLetters()) == 1 })
	require.Equal(t, int32(2), calls.Load())
}

func TestMemoryQueueHonorsDelay(t *testing.T) {
	q := NewMemoryQueue(nil)

	var deliveredAt atomic.Value
	q.Register("later", func(ctx context.Context, job Job) error {
		deliveredAt.Store(time.Now())
		return nil
	})
	runConsumer(t, q)

	start := time.Now()
	_, err := q.Enqueue(context.Background(), "later", testPayload{}, Options{Delay: 50 * time.Millisecond})
	require.NoError(t, err)

	waitFor(t, func() bool { return deliveredAt.Load() != nil })
	require.GreaterOrEqual(t, deliveredAt.Load().(time.Time).Sub(start), 50*time.Millisecond)
}

func TestJobCarriesDeliveryBudget(t *testing.T) {
	q := NewMemoryQueue(nil)

	var sawFinal atomic.Bool
	q.Register("doomed", func(ctx context.Context, job Job) error {
		require.Equal(t, 2, job.MaxAttempts)
		if job.Final() {
			sawFinal.Store(true)
		}
		return errors.New("permanent")
	})
	runConsumer(t, q)

	_, err := q.Enqueue(context.Background(), "doomed", testPayload{}, Options{
		Attempts: 2,
		Backoff:  time.Millisecond,
	})
	require.NoError(t, err)

	waitFor(t, func() bool { return sawFinal.Load() })
}

func TestEnvelopeBackoffDoubles(t *testing.T) {
	env := envelope{BackoffMS: 100}

	env.Attempt = 1
	require.Equal(t, 100*time.Millisecond, env.nextBackoff())
	env.Attempt = 2
	require.Equal(t, 200*time.Millisecond, env.nextBackoff())
	env.Attempt = 4
	require.Equal(t, 800*time.Millisecond, env.nextBackoff())
}
