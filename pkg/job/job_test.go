package job

import (
	"testing"
	"time"
)

func TestIDForAndKeyFromID(t *testing.T) {
	id := IDFor("default", "k1")
	if id != "saq:job:default:k1" {
		t.Fatalf("unexpected id: %s", id)
	}
	if got := KeyFromID(id); got != "k1" {
		t.Fatalf("KeyFromID = %q, want k1", got)
	}
}

func TestDuration(t *testing.T) {
	j := New("add", "k1", Kwargs{"a": 1})
	j.Queued = 100
	j.Started = 105
	j.Completed = 120

	if d, ok := j.Duration("start"); !ok || d != 5 {
		t.Fatalf("start duration = %d,%v want 5,true", d, ok)
	}
	if d, ok := j.Duration("process"); !ok || d != 15 {
		t.Fatalf("process duration = %d,%v want 15,true", d, ok)
	}
	if d, ok := j.Duration("total"); !ok || d != 20 {
		t.Fatalf("total duration = %d,%v want 20,true", d, ok)
	}

	unset := New("add", "k2", nil)
	if _, ok := unset.Duration("total"); ok {
		t.Fatalf("expected unset duration to report false")
	}
}

func TestStuckTimeout(t *testing.T) {
	j := New("add", "k1", nil)
	j.Status = StatusActive
	j.Timeout = 10
	now := time.Now()
	j.Started = now.Add(-20 * time.Second).Unix()

	if !j.Stuck(now) {
		t.Fatal("expected job past timeout to be stuck")
	}
}

func TestStuckHeartbeat(t *testing.T) {
	j := New("add", "k1", nil)
	j.Status = StatusActive
	j.Timeout = 0
	j.Heartbeat = 5
	now := time.Now()
	j.Started = now.Unix()
	j.Touched = now.Add(-10 * time.Second).Unix()

	if !j.Stuck(now) {
		t.Fatal("expected job past heartbeat to be stuck")
	}
}

func TestStuckNotActive(t *testing.T) {
	j := New("add", "k1", nil)
	j.Status = StatusComplete
	if j.Stuck(time.Now()) {
		t.Fatal("non-active job should never be stuck")
	}
}

func TestToMapFromMapRoundTrip(t *testing.T) {
	j := New("add", "k1", Kwargs{"a": float64(1), "b": float64(2)})
	j.QueueName = "default"
	j.Status = StatusQueued
	j.Queued = 42

	m := j.ToMap()
	back, queueName := FromMap(m)
	if queueName != "default" {
		t.Fatalf("queue name = %q", queueName)
	}
	if back.Function != "add" || back.Key != "k1" || back.Status != StatusQueued || back.Queued != 42 {
		t.Fatalf("round trip mismatch: %+v", back)
	}
	if back.Kwargs["a"] != float64(1) {
		t.Fatalf("kwargs mismatch: %+v", back.Kwargs)
	}
}
