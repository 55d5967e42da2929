package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/saqgo/saq/pkg/job"
)

func setupTestQueue(t *testing.T) (*miniredis.Miniredis, *Queue) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	q := New(rdb, "default")
	return s, q
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	_, q := setupTestQueue(t)
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, "add", job.Kwargs{"a": 1, "b": 2}, WithKey("k1"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if enqueued == nil {
		t.Fatal("expected a job, got nil")
	}

	n, err := q.Count(ctx, CountQueued)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 queued job, got %d", n)
	}

	dequeued, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if dequeued == nil {
		t.Fatal("expected a job, got nil")
	}
	if dequeued.Key != "k1" || dequeued.Function != "add" {
		t.Fatalf("unexpected dequeued job: %+v", dequeued)
	}
	if dequeued.Kwargs["a"].(float64) != 1 {
		t.Fatalf("unexpected kwargs: %+v", dequeued.Kwargs)
	}
}

func TestDuplicateKeyEnqueueSuppressed(t *testing.T) {
	_, q := setupTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "add", nil, WithKey("dup")); err != nil {
		t.Fatalf("first Enqueue failed: %v", err)
	}
	second, err := q.Enqueue(ctx, "add", nil, WithKey("dup"))
	if err != nil {
		t.Fatalf("second Enqueue errored: %v", err)
	}
	if second != nil {
		t.Fatalf("expected duplicate enqueue to be a no-op, got %+v", second)
	}

	n, err := q.Count(ctx, CountQueued)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected still only 1 queued job, got %d", n)
	}
}

func TestFinishCompleteRetainsWithTTL(t *testing.T) {
	_, q := setupTestQueue(t)
	ctx := context.Background()

	j, err := q.Enqueue(ctx, "add", nil, WithKey("k1"), WithTTL(60))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	dequeued, err := q.Dequeue(ctx, time.Second)
	if err != nil || dequeued == nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	if err := q.Finish(ctx, dequeued, job.StatusComplete, "42", ""); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	fetched, err := q.Job(ctx, j.Key)
	if err != nil {
		t.Fatalf("Job fetch failed: %v", err)
	}
	if fetched == nil {
		t.Fatal("expected retained job record, got nil")
	}
	if fetched.Status != job.StatusComplete || fetched.Result != "42" {
		t.Fatalf("unexpected finished job: %+v", fetched)
	}

	active, err := q.Count(ctx, CountActive)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if active != 0 {
		t.Fatalf("expected 0 active jobs after finish, got %d", active)
	}
}

func TestFinishDeletesWhenTTLNegative(t *testing.T) {
	_, q := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "add", nil, WithKey("k1"), WithTTL(-1))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	dequeued, err := q.Dequeue(ctx, time.Second)
	if err != nil || dequeued == nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if err := q.Finish(ctx, dequeued, job.StatusComplete, nil, ""); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	fetched, err := q.Job(ctx, "k1")
	if err != nil {
		t.Fatalf("Job fetch failed: %v", err)
	}
	if fetched != nil {
		t.Fatalf("expected job record to be deleted, got %+v", fetched)
	}
}

func TestRetryRequeuesImmediatelyByDefault(t *testing.T) {
	_, q := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "add", nil, WithKey("k1"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	dequeued, err := q.Dequeue(ctx, time.Second)
	if err != nil || dequeued == nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	// Retry no longer increments Attempts itself; the caller (normally
	// pkg/worker.Pool) owns that count.
	dequeued.Attempts++
	if err := q.Retry(ctx, dequeued, "boom"); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	queued, err := q.Count(ctx, CountQueued)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if queued != 1 {
		t.Fatalf("expected job requeued immediately, got %d queued", queued)
	}

	fetched, err := q.Job(ctx, "k1")
	if err != nil {
		t.Fatalf("Job fetch failed: %v", err)
	}
	if fetched.Attempts != 1 || fetched.Status != job.StatusQueued {
		t.Fatalf("unexpected retried job: %+v", fetched)
	}
}

func TestAbortWhileQueuedFinishesImmediately(t *testing.T) {
	_, q := setupTestQueue(t)
	ctx := context.Background()

	j, err := q.Enqueue(ctx, "add", nil, WithKey("k1"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := q.Abort(ctx, j, "cancelled", 5*time.Second); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	fetched, err := q.Job(ctx, "k1")
	if err != nil {
		t.Fatalf("Job fetch failed: %v", err)
	}
	if fetched == nil || fetched.Status != job.StatusAborted {
		t.Fatalf("expected job aborted, got %+v", fetched)
	}

	queued, err := q.Count(ctx, CountQueued)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if queued != 0 {
		t.Fatalf("expected 0 queued jobs after abort, got %d", queued)
	}
}

func TestAbortWhileActiveLeavesMarkerForWorker(t *testing.T) {
	_, q := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "add", nil, WithKey("k1"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	dequeued, err := q.Dequeue(ctx, time.Second)
	if err != nil || dequeued == nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	if err := q.Abort(ctx, dequeued, "cancelled", 5*time.Second); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	msg, aborting, err := q.Aborting(ctx, "k1")
	if err != nil {
		t.Fatalf("Aborting failed: %v", err)
	}
	if !aborting || msg != "cancelled" {
		t.Fatalf("expected abort marker set, got aborting=%v msg=%q", aborting, msg)
	}

	active, err := q.Count(ctx, CountActive)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if active != 0 {
		t.Fatalf("expected active job removed from active list, got %d", active)
	}
}

func TestQueueMismatchRejected(t *testing.T) {
	_, q := setupTestQueue(t)
	ctx := context.Background()

	other := job.New("add", "k1", nil)
	other.QueueName = "other-queue"

	if _, err := q.EnqueueJob(ctx, other); err == nil {
		t.Fatal("expected queue mismatch error")
	}
}

func TestScheduledJobPromotedBySchedule(t *testing.T) {
	_, q := setupTestQueue(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour).Unix()
	_, err := q.Enqueue(ctx, "add", nil, WithKey("k1"), WithScheduled(past))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	promoted, err := q.Schedule(ctx, 1)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if len(promoted) != 1 {
		t.Fatalf("expected 1 job promoted, got %d", len(promoted))
	}

	queued, err := q.Count(ctx, CountQueued)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if queued != 1 {
		t.Fatalf("expected job promoted to queued, got %d", queued)
	}
}
