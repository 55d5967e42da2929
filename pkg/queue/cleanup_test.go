package queue

import (
	"context"
	"testing"
	"time"

	"github.com/saqgo/saq/pkg/job"
)

func TestSweepReapsMissingRecordAsOrphan(t *testing.T) {
	s, q := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "add", nil, WithKey("k1"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	dequeued, err := q.Dequeue(ctx, time.Second)
	if err != nil || dequeued == nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	// Simulate the record vanishing (e.g. TTL race) while still active.
	s.Del(dequeued.ID())

	swept, err := q.Sweep(ctx, 60)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(swept) != 1 {
		t.Fatalf("expected 1 job swept, got %d", len(swept))
	}

	active, err := q.Count(ctx, CountActive)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if active != 0 {
		t.Fatalf("expected active list cleared, got %d", active)
	}
}

func TestSweepAbortsStuckActiveJob(t *testing.T) {
	_, q := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "add", nil, WithKey("k1"), WithTimeout(1))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	dequeued, err := q.Dequeue(ctx, time.Second)
	if err != nil || dequeued == nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	// Persist an ACTIVE record whose Started is well past its 1s timeout, so
	// Sweep can only reap it via the Stuck() branch, not the "status isn't
	// ACTIVE at all" branch.
	dequeued.Status = job.StatusActive
	dequeued.Started = time.Now().Add(-time.Hour).Unix()
	if err := q.Update(ctx, dequeued); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	swept, err := q.Sweep(ctx, 60)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(swept) != 1 {
		t.Fatalf("expected 1 job swept, got %d", len(swept))
	}

	fetched, err := q.Job(ctx, "k1")
	if err != nil {
		t.Fatalf("Job fetch failed: %v", err)
	}
	if fetched == nil || fetched.Status != job.StatusAborted {
		t.Fatalf("expected job aborted by sweep, got %+v", fetched)
	}
}

func TestSweepLeavesRunningActiveJobAlone(t *testing.T) {
	_, q := setupTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "add", nil, WithKey("k1"), WithTimeout(60))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	dequeued, err := q.Dequeue(ctx, time.Second)
	if err != nil || dequeued == nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	// Mirrors what pkg/worker.Pool.process persists immediately after
	// dequeue: an ACTIVE record, well within its timeout.
	dequeued.Status = job.StatusActive
	dequeued.Started = time.Now().Unix()
	if err := q.Update(ctx, dequeued); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	swept, err := q.Sweep(ctx, 60)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(swept) != 0 {
		t.Fatalf("expected a running job to survive Sweep, got %v swept", swept)
	}

	fetched, err := q.Job(ctx, "k1")
	if err != nil {
		t.Fatalf("Job fetch failed: %v", err)
	}
	if fetched == nil || fetched.Status != job.StatusActive {
		t.Fatalf("expected job to remain active, got %+v", fetched)
	}
}

func TestSweepLockPreventsConcurrentRun(t *testing.T) {
	_, q := setupTestQueue(t)
	ctx := context.Background()

	if _, err := q.Sweep(ctx, 60); err != nil {
		t.Fatalf("first Sweep failed: %v", err)
	}
	swept, err := q.Sweep(ctx, 60)
	if err != nil {
		t.Fatalf("second Sweep errored: %v", err)
	}
	if swept != nil {
		t.Fatalf("expected second sweep to be a no-op under the lock, got %v", swept)
	}
}

func TestPublishStatsAndGetInfo(t *testing.T) {
	_, q := setupTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "add", nil, WithKey("k1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.PublishStats(ctx, time.Minute); err != nil {
		t.Fatalf("PublishStats failed: %v", err)
	}

	info, err := q.GetInfo(ctx, true, 0, 10)
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	if info.Queued != 1 {
		t.Fatalf("expected 1 queued job in info, got %d", info.Queued)
	}
	if len(info.Workers) != 1 {
		t.Fatalf("expected 1 live worker, got %d", len(info.Workers))
	}
	if len(info.Jobs) != 1 {
		t.Fatalf("expected 1 job in info.Jobs, got %d", len(info.Jobs))
	}
}
