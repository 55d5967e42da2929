// Package queue implements the client-side protocol of a distributed job
// queue over a Redis-class store: atomic enqueue/schedule/sweep, the job
// state machine with retries, pub/sub status notification, and fan-out
// map/apply coordination.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/saqgo/saq/pkg/codec"
	"github.com/saqgo/saq/pkg/job"
	"github.com/saqgo/saq/pkg/logger"
)

// ErrQueueMismatch is returned when a job already bound to a different
// queue is enqueued against this one (spec.md §7).
var ErrQueueMismatch = errors.New("saq: job registered to a different queue")

// ErrDeserializeMismatch is returned when a fetched record's embedded queue
// name does not match the loading queue's name (spec.md §4.1, §7).
var ErrDeserializeMismatch = errors.New("saq: job fetched by wrong queue")

// JobError wraps a job that finished in an unsuccessful terminal status,
// carrying the full final record (spec.md §7; ported from
// saq.queue.JobError in original_source).
type JobError struct {
	Job *job.Job
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s %s: %s", e.Job.Key, e.Job.Status, e.Job.Error)
}

// RetryPolicy computes the delay before the next retry attempt, given the
// number of attempts so far. A nil policy (the default) means immediate
// requeue (spec.md §9 Open Question).
type RetryPolicy func(attempt int) time.Duration

// Queue manages a single named partition of job state in Redis.
//
// A *Queue is safe for concurrent use by multiple goroutines: unlike the
// single-threaded cooperative original, process-local counters are
// maintained atomically and the operation semaphore is a buffered channel.
type Queue struct {
	rdb  *redis.Client
	name string

	codec codec.Codec

	uuid    string
	started int64

	complete atomic.Int64
	failed   atomic.Int64
	retried  atomic.Int64
	aborted  atomic.Int64

	opSem chan struct{}

	retryPolicy RetryPolicy

	before *callbackRegistry

	incompleteKey string
	queuedKey     string
	activeKey     string
	scheduleKey   string
	sweepKey      string
	statsKey      string
}

// Option configures a Queue at construction time.
type Option func(*Queue)

// WithCodec overrides the default JSON codec.
func WithCodec(c codec.Codec) Option {
	return func(q *Queue) { q.codec = c }
}

// WithMaxConcurrentOps bounds the number of in-flight enqueue/abort/job
// operations against the store (spec.md §5, default 20).
func WithMaxConcurrentOps(n int) Option {
	return func(q *Queue) { q.opSem = make(chan struct{}, n) }
}

// WithRetryPolicy sets the backoff policy used by Retry (spec.md §9).
func WithRetryPolicy(p RetryPolicy) Option {
	return func(q *Queue) { q.retryPolicy = p }
}

// New creates a queue handle bound to the given Redis client and name.
func New(rdb *redis.Client, name string, opts ...Option) *Queue {
	q := &Queue{
		rdb:     rdb,
		name:    name,
		codec:   codec.JSON(),
		uuid:    uuid.NewString(),
		started: time.Now().Unix(),
		opSem:   make(chan struct{}, 20),
		before:  newCallbackRegistry(),

		incompleteKey: namespace(name, "incomplete"),
		queuedKey:     namespace(name, "queued"),
		activeKey:     namespace(name, "active"),
		scheduleKey:   namespace(name, "schedule"),
		sweepKey:      namespace(name, "sweep"),
		statsKey:      namespace(name, "stats"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) acquire(ctx context.Context) error {
	select {
	case q.opSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) release() {
	<-q.opSem
}

func (q *Queue) serialize(j *job.Job) ([]byte, error) {
	return q.codec.Dump(j.ToMap())
}

// deserialize decodes stored bytes into a Job, asserting that the embedded
// queue name matches this queue (spec.md §4.1). A nil/empty payload yields
// (nil, nil): this is the normal "job not found" case.
func (q *Queue) deserialize(b []byte) (*job.Job, error) {
	if len(b) == 0 {
		return nil, nil
	}
	m, err := q.codec.Load(b)
	if err != nil {
		return nil, err
	}
	j, queueName := job.FromMap(m)
	if queueName != q.name {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrDeserializeMismatch, queueName, q.name)
	}
	return j, nil
}

// JobOption sets a job-level field at enqueue time (see SPEC_FULL.md §3.1
// for why this is a separate builder from the function Kwargs).
type JobOption func(*job.Job)

func WithKey(key string) JobOption           { return func(j *job.Job) { j.Key = key } }
func WithTimeout(seconds int) JobOption      { return func(j *job.Job) { j.Timeout = seconds } }
func WithHeartbeat(seconds int) JobOption    { return func(j *job.Job) { j.Heartbeat = seconds } }
func WithRetries(retries int) JobOption      { return func(j *job.Job) { j.Retries = retries } }
func WithTTL(seconds int) JobOption          { return func(j *job.Job) { j.TTL = seconds } }
func WithScheduled(epochSeconds int64) JobOption {
	return func(j *job.Job) { j.Scheduled = epochSeconds }
}

// Enqueue builds a new job from a function name and kwargs, applies the
// given job options, and enqueues it. Returns (nil, nil) if the enqueue was
// a no-op (duplicate key already incomplete, or blocked by an abort
// marker) per spec.md §4.2.
func (q *Queue) Enqueue(ctx context.Context, function string, kwargs job.Kwargs, opts ...JobOption) (*job.Job, error) {
	j := job.New(function, "", kwargs)
	for _, opt := range opts {
		opt(j)
	}
	return q.EnqueueJob(ctx, j)
}

// EnqueueJob enqueues a pre-built Job. If the job has no key, one is
// generated. If the job is already bound to a different queue, returns
// ErrQueueMismatch.
func (q *Queue) EnqueueJob(ctx context.Context, j *job.Job) (*job.Job, error) {
	if j.QueueName != "" && j.QueueName != q.name {
		return nil, fmt.Errorf("%w: %s", ErrQueueMismatch, j.QueueName)
	}
	if j.Key == "" {
		j.Key = uuid.NewString()
	}
	j.QueueName = q.name
	j.Queued = time.Now().Unix()
	j.Status = job.StatusQueued

	if err := q.before.run(ctx, j); err != nil {
		return nil, err
	}

	data, err := q.serialize(j)
	if err != nil {
		return nil, err
	}

	if err := q.acquire(ctx); err != nil {
		return nil, err
	}
	defer q.release()

	res, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.incompleteKey, jobID(q.name, j.Key), q.queuedKey, abortID(q.name, j.Key)},
		string(data), j.Scheduled,
	).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}

	logger.Log.Info().Str("queue", q.name).Str("key", j.Key).Str("function", j.Function).Msg("enqueued job")
	return j, nil
}

// isUnknownCommand reports whether err indicates the Redis server does not
// implement the given command (used to fall back from BLMOVE to
// BRPOPLPUSH on Redis < 6.2, spec.md §4.4).
func isUnknownCommand(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unknown command")
}

// Dequeue atomically moves the next ready job from queued to active and
// returns its deserialized record. timeout=0 blocks indefinitely. Returns
// (nil, nil) on timeout.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*job.Job, error) {
	id, err := q.rdb.BLMove(ctx, q.queuedKey, q.activeKey, "RIGHT", "LEFT", timeout).Result()
	if isUnknownCommand(err) {
		id, err = q.rdb.BRPopLPush(ctx, q.queuedKey, q.activeKey, timeout).Result()
	}
	if errors.Is(err, redis.Nil) {
		logger.Log.Debug().Str("queue", q.name).Msg("dequeue timed out")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return q.getByID(ctx, id)
}

func (q *Queue) getByID(ctx context.Context, id string) (*job.Job, error) {
	if err := q.acquire(ctx); err != nil {
		return nil, err
	}
	defer q.release()

	b, err := q.rdb.Get(ctx, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return q.deserialize(b)
}

// Job fetches a job by its key.
func (q *Queue) Job(ctx context.Context, key string) (*job.Job, error) {
	return q.getByID(ctx, jobID(q.name, key))
}

// Update persists the job's current state (touching its last-seen
// timestamp) and publishes a status notification. Workers call this
// periodically to satisfy the job's heartbeat (spec.md §4.7/§6).
func (q *Queue) Update(ctx context.Context, j *job.Job) error {
	j.Touched = time.Now().Unix()
	data, err := q.serialize(j)
	if err != nil {
		return err
	}
	if err := q.rdb.Set(ctx, j.ID(), data, 0).Err(); err != nil {
		return err
	}
	return q.Notify(ctx, j)
}

// Finish resolves a job's lifecycle with a terminal status, retains or
// deletes the record per its ttl rule, and publishes the new status
// (spec.md §4.5).
func (q *Queue) Finish(ctx context.Context, j *job.Job, status job.Status, result any, errMsg string) error {
	j.Status = status
	j.Result = result
	j.Error = errMsg
	j.Completed = time.Now().Unix()
	if status == job.StatusComplete {
		j.Progress = 1
	}

	data, err := q.serialize(j)
	if err != nil {
		return err
	}

	id := j.ID()
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey, 1, id)
	pipe.ZRem(ctx, q.incompleteKey, id)
	switch {
	case j.TTL > 0:
		pipe.SetEx(ctx, id, data, time.Duration(j.TTL)*time.Second)
	case j.TTL == 0:
		pipe.Set(ctx, id, data, 0)
	default:
		pipe.Del(ctx, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	switch status {
	case job.StatusComplete:
		q.complete.Add(1)
	case job.StatusFailed:
		q.failed.Add(1)
	case job.StatusAborted:
		q.aborted.Add(1)
	}

	logger.Log.Info().Str("queue", q.name).Str("key", j.Key).Str("status", string(status)).Msg("finished job")
	return q.Notify(ctx, j)
}

// Retry returns a job to QUEUED, either with an immediate requeue or a
// delayed re-scheduling per the queue's RetryPolicy (spec.md §4.5, §9).
//
// Retry does not itself increment j.Attempts: the caller owns that count,
// since it is also what the caller uses to decide whether a retry is even
// allowed against j.Retries (the maximum total attempts, spec.md:36).
// Counting here, after that decision was already made, would make
// Retries=1 (job.New's default) permit a second execution instead of zero.
func (q *Queue) Retry(ctx context.Context, j *job.Job, errMsg string) error {
	id := j.ID()
	j.Status = job.StatusQueued
	j.Error = errMsg
	j.Completed = 0
	j.Started = 0
	j.Progress = 0
	j.Touched = time.Now().Unix()

	var delay time.Duration
	if q.retryPolicy != nil {
		delay = q.retryPolicy(j.Attempts)
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey, 1, id)
	pipe.LRem(ctx, q.queuedKey, 1, id)
	if delay > 0 {
		scheduled := float64(time.Now().Add(delay).Unix())
		pipe.ZAdd(ctx, q.incompleteKey, redis.Z{Score: scheduled, Member: id})
	} else {
		pipe.ZAdd(ctx, q.incompleteKey, redis.Z{Score: float64(j.Scheduled), Member: id})
		pipe.RPush(ctx, q.queuedKey, id)
	}

	data, err := q.serialize(j)
	if err != nil {
		return err
	}
	pipe.Set(ctx, id, data, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	q.retried.Add(1)
	logger.Log.Info().Str("queue", q.name).Str("key", j.Key).Msg("retrying job")
	return q.Notify(ctx, j)
}

// Abort requests cancellation of a job. If the job was still only queued,
// it is finished with ABORTED immediately. Otherwise it is already active:
// its id is removed from the active list (so Sweep no longer inspects it),
// the abort marker is left for a cooperating worker to observe, and the
// record expires ttl+1s after the call unless that worker rewrites it
// (spec.md §4.5).
func (q *Queue) Abort(ctx context.Context, j *job.Job, errMsg string, ttl time.Duration) error {
	id := j.ID()
	abortKey := j.AbortID()

	if err := q.acquire(ctx); err != nil {
		return err
	}
	defer q.release()

	pipe := q.rdb.TxPipeline()
	dequeuedCmd := pipe.LRem(ctx, q.queuedKey, 0, id)
	pipe.ZRem(ctx, q.incompleteKey, id)
	pipe.Expire(ctx, id, ttl+time.Second)
	pipe.SetEx(ctx, abortKey, errMsg, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	if dequeuedCmd.Val() > 0 {
		if err := q.Finish(ctx, j, job.StatusAborted, nil, errMsg); err != nil {
			return err
		}
		return q.rdb.Del(ctx, abortKey).Err()
	}

	return q.rdb.LRem(ctx, q.activeKey, 0, id).Err()
}

// Aborting reports whether an abort has been requested for the given key,
// for cooperative polling by an active worker (spec.md §4.5).
func (q *Queue) Aborting(ctx context.Context, key string) (string, bool, error) {
	v, err := q.rdb.Get(ctx, abortID(q.name, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// CountKind selects which key-space collection Count inspects.
type CountKind string

const (
	CountQueued     CountKind = "queued"
	CountActive     CountKind = "active"
	CountIncomplete CountKind = "incomplete"
)

// Count returns the size of one of the queue's collections.
func (q *Queue) Count(ctx context.Context, kind CountKind) (int64, error) {
	switch kind {
	case CountQueued:
		return q.rdb.LLen(ctx, q.queuedKey).Result()
	case CountActive:
		return q.rdb.LLen(ctx, q.activeKey).Result()
	case CountIncomplete:
		return q.rdb.ZCard(ctx, q.incompleteKey).Result()
	default:
		return 0, fmt.Errorf("saq: unknown count kind %q", kind)
	}
}
