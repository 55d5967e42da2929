// Package job defines the unit of work tracked by a queue: its immutable
// user-supplied fields and the fields the framework mutates as the job
// moves through its lifecycle.
package job

import (
	"fmt"
	"time"
)

// Status is the state of a job. Status transitions are monotonic except for
// retry, which returns a job to QUEUED.
type Status string

const (
	StatusNew      Status = "new"
	StatusDeferred Status = "deferred"
	StatusQueued   Status = "queued"
	StatusActive   Status = "active"
	StatusAborted  Status = "aborted"
	StatusFailed   Status = "failed"
	StatusComplete Status = "complete"
)

// Terminal reports whether the status is one a job does not leave on its own
// (COMPLETE, FAILED, ABORTED).
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// Unsuccessful reports whether the status is a terminal status other than
// COMPLETE.
func (s Status) Unsuccessful() bool {
	return s == StatusFailed || s == StatusAborted
}

// Kwargs are the function-level arguments passed to the job's handler, kept
// distinct from job-level options per the Go-native field split (see
// SPEC_FULL.md §3.1).
type Kwargs map[string]any

// Job is a persisted invocation of a named function within one queue.
//
// User-provided fields are set at construction time. Framework-mutated
// fields (Attempts, Queued, Started, Completed, Touched, Progress, Result,
// Error, Status) are written by the owning Queue and by the worker holding
// the job (pkg/worker.Pool sets Started, Status and Attempts).
type Job struct {
	Function  string
	Kwargs    Kwargs
	QueueName string
	Key       string

	Timeout   int // seconds, 0 = disabled
	Heartbeat int // seconds, 0 = disabled
	Retries   int // max attempts, >= 1
	TTL       int // seconds; >0 expire after, 0 keep forever, <0 delete on finish
	Scheduled int64

	Attempts  int
	Queued    int64
	Started   int64
	Completed int64
	Touched   int64
	Progress  float64
	Result    any
	Error     string
	Status    Status
}

// New constructs a job with spec-mandated defaults (timeout=10, retries=1,
// ttl=60).
func New(function string, key string, kwargs Kwargs) *Job {
	return &Job{
		Function: function,
		Key:      key,
		Kwargs:   kwargs,
		Timeout:  10,
		Retries:  1,
		TTL:      60,
		Status:   StatusNew,
	}
}

// ID is the full store identifier for this job: "saq:job:<queue>:<key>".
func (j *Job) ID() string {
	return IDFor(j.QueueName, j.Key)
}

// IDFor builds a job's store identifier without needing a Job value.
func IDFor(queueName, key string) string {
	return fmt.Sprintf("saq:job:%s:%s", queueName, key)
}

// KeyFromID is the inverse of IDFor: it extracts the job key from a full
// store identifier.
func KeyFromID(id string) string {
	const prefix = "saq:job:"
	if len(id) <= len(prefix) {
		return ""
	}
	rest := id[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			return rest[i+1:]
		}
	}
	return ""
}

// AbortID is the short-lived abort-request marker key for this job.
func (j *Job) AbortID() string {
	return j.ID() + ":abort"
}

// Duration returns the elapsed time in seconds for "process"
// (started->completed), "start" (enqueued->started), or "total"
// (enqueued->completed). Returns false if either endpoint is unset.
func (j *Job) Duration(kind string) (int64, bool) {
	switch kind {
	case "process":
		return duration(j.Completed, j.Started)
	case "start":
		return duration(j.Started, j.Queued)
	case "total":
		return duration(j.Completed, j.Queued)
	default:
		panic(fmt.Sprintf("unknown duration kind: %s", kind))
	}
}

func duration(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, false
	}
	return a - b, true
}

// Stuck reports whether an ACTIVE job has exceeded its timeout or has gone
// quiet past its heartbeat interval.
func (j *Job) Stuck(now time.Time) bool {
	if j.Status != StatusActive {
		return false
	}
	current := now.Unix()
	if j.Timeout > 0 && current-j.Started > int64(j.Timeout) {
		return true
	}
	if j.Heartbeat > 0 && current-j.Touched > int64(j.Heartbeat) {
		return true
	}
	return false
}

// ToMap converts the job to the generic field map a codec serializes. The
// "queue" key is the embedded queue name, checked on load against the
// loading queue's own name (spec.md §4.1).
func (j *Job) ToMap() map[string]any {
	return map[string]any{
		"function":  j.Function,
		"kwargs":    map[string]any(j.Kwargs),
		"queue":     j.QueueName,
		"key":       j.Key,
		"timeout":   j.Timeout,
		"heartbeat": j.Heartbeat,
		"retries":   j.Retries,
		"ttl":       j.TTL,
		"scheduled": j.Scheduled,
		"attempts":  j.Attempts,
		"queued":    j.Queued,
		"started":   j.Started,
		"completed": j.Completed,
		"touched":   j.Touched,
		"progress":  j.Progress,
		"result":    j.Result,
		"error":     j.Error,
		"status":    string(j.Status),
	}
}

// FromMap populates a Job from the generic field map produced by ToMap,
// returning the embedded queue name separately so the caller can assert it
// matches the loading queue (spec.md §4.1).
func FromMap(m map[string]any) (*Job, string) {
	j := &Job{}
	queueName, _ := m["queue"].(string)

	j.Function, _ = m["function"].(string)
	if kw, ok := m["kwargs"].(map[string]any); ok {
		j.Kwargs = Kwargs(kw)
	}
	j.QueueName = queueName
	j.Key, _ = m["key"].(string)
	j.Timeout = toInt(m["timeout"])
	j.Heartbeat = toInt(m["heartbeat"])
	j.Retries = toInt(m["retries"])
	j.TTL = toInt(m["ttl"])
	j.Scheduled = toInt64(m["scheduled"])
	j.Attempts = toInt(m["attempts"])
	j.Queued = toInt64(m["queued"])
	j.Started = toInt64(m["started"])
	j.Completed = toInt64(m["completed"])
	j.Touched = toInt64(m["touched"])
	j.Progress = toFloat(m["progress"])
	j.Result = m["result"]
	j.Error, _ = m["error"].(string)
	j.Status = Status(fmt.Sprintf("%v", m["status"]))

	return j, queueName
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
