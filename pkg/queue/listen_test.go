package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/saqgo/saq/pkg/job"
)

func TestNotifyListenRoundTrip(t *testing.T) {
	_, q := setupTestQueue(t)
	ctx := context.Background()

	j, err := q.Enqueue(ctx, "add", nil, WithKey("k1"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	received := make(chan job.Status, 1)
	listenErr := make(chan error, 1)
	listenCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	go func() {
		listenErr <- q.Listen(listenCtx, []string{"k1"}, func(key string, status job.Status) bool {
			received <- status
			return true
		}, 0)
	}()

	// Give Listen a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	j.Status = job.StatusComplete
	if err := q.Notify(ctx, j); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case status := <-received:
		if status != job.StatusComplete {
			t.Fatalf("unexpected status: %s", status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}

	if err := <-listenErr; err != nil {
		t.Fatalf("Listen returned error: %v", err)
	}
}

func TestListenTimeoutReturnsErrListenTimeoutWhenNoMessage(t *testing.T) {
	_, q := setupTestQueue(t)
	ctx := context.Background()

	err := q.Listen(ctx, []string{"never-published"}, func(string, job.Status) bool {
		return true
	}, 100*time.Millisecond)
	if !errors.Is(err, ErrListenTimeout) {
		t.Fatalf("expected ErrListenTimeout on timeout, got %v", err)
	}
}
