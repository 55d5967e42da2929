package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saqgo/saq/pkg/job"
)

// Map enqueues one job per element of iterKwargs and waits for all of them
// to reach a terminal status, returning their results in input order
// (spec.md §4.8).
//
// If timeout is 0, Map waits forever. If returnExceptions is false
// (default), the first unsuccessful terminal job causes Map to return a
// *JobError immediately; other jobs keep running. If true, a *JobError is
// substituted into the result slice instead of stopping early.
//
// If timeout elapses before every job reaches a terminal status, Map
// returns ErrListenTimeout rather than a partial results slice: a job
// still in flight has no meaningful Result yet, so reporting one would be
// indistinguishable from success (ground truth: original_source/saq's
// outer asyncio.wait_for raises TimeoutError out of map() for the same
// case, instead of the inner listen() timing out silently).
//
// Listening starts before any job is enqueued so that jobs completing
// faster than the subscription can be established are not missed (spec.md
// §4.8's critical ordering requirement); a one-shot poll of every job's
// current record after subscribing closes the remaining race window for
// stores that do not guarantee subscribe-before-publish ordering.
func (q *Queue) Map(ctx context.Context, function string, iterKwargs []job.Kwargs, timeout time.Duration, returnExceptions bool, defaults ...JobOption) ([]any, error) {
	keys := make([]string, len(iterKwargs))
	jobs := make([]*job.Job, len(iterKwargs))
	for i, kw := range iterKwargs {
		j := job.New(function, "", kw)
		for _, opt := range defaults {
			opt(j)
		}
		if j.Key == "" {
			j.Key = uuid.NewString()
		}
		keys[i] = j.Key
		jobs[i] = j
	}

	pending := make(map[string]struct{}, len(keys))
	var pendingMu sync.Mutex
	for _, k := range keys {
		pending[k] = struct{}{}
	}

	callback := func(key string, status job.Status) bool {
		pendingMu.Lock()
		defer pendingMu.Unlock()

		if status.Terminal() {
			delete(pending, key)
		}
		if status.Unsuccessful() && !returnExceptions {
			return true
		}
		return len(pending) == 0
	}

	listenErrCh := make(chan error, 1)
	listenCtx, cancelListen := context.WithCancel(ctx)
	defer cancelListen()

	go func() {
		listenErrCh <- q.Listen(listenCtx, keys, callback, timeout)
	}()

	// Close the subscribe-before-publish race: synthesize terminal events
	// for jobs that may have already finished before Listen subscribed.
	go q.pollAlreadyTerminal(listenCtx, keys, callback)

	var wg sync.WaitGroup
	errs := make([]error, len(jobs))
	wg.Add(len(jobs))
	for i, j := range jobs {
		go func(i int, j *job.Job) {
			defer wg.Done()
			_, err := q.EnqueueJob(ctx, j)
			errs[i] = err
		}(i, j)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			cancelListen()
			return nil, err
		}
	}

	select {
	case err := <-listenErrCh:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	results := make([]any, 0, len(keys))
	for _, key := range keys {
		fetched, err := q.Job(ctx, key)
		if err != nil {
			return nil, err
		}
		if fetched == nil {
			continue
		}
		if fetched.Status.Unsuccessful() {
			jobErr := &JobError{Job: fetched}
			if !returnExceptions {
				return nil, jobErr
			}
			results = append(results, jobErr)
		} else {
			results = append(results, fetched.Result)
		}
	}
	return results, nil
}

// pollAlreadyTerminal samples each key's current record once and feeds a
// synthetic terminal event into callback for any job that is already done.
// This degrades gracefully when the backing store cannot guarantee a
// message published after Listen subscribed is never missed.
func (q *Queue) pollAlreadyTerminal(ctx context.Context, keys []string, callback ListenCallback) {
	for _, key := range keys {
		j, err := q.Job(ctx, key)
		if err != nil || j == nil {
			continue
		}
		if j.Status.Terminal() {
			callback(key, j.Status)
		}
	}
}

// Apply enqueues a single job and waits for its result, returning the
// result on success or a *JobError on failure (spec.md §4.8).
func (q *Queue) Apply(ctx context.Context, function string, kwargs job.Kwargs, timeout time.Duration, defaults ...JobOption) (any, error) {
	results, err := q.Map(ctx, function, []job.Kwargs{kwargs}, timeout, false, defaults...)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// Batch tracks every job enqueued from fn and, if fn returns an error,
// best-effort aborts all of them (errors during those aborts are
// suppressed, matching spec.md §4.8's batch semantics).
func (q *Queue) Batch(ctx context.Context, fn func(ctx context.Context) error) error {
	var mu sync.Mutex
	var children []*job.Job

	handle := q.RegisterBeforeEnqueue(func(_ context.Context, j *job.Job) error {
		mu.Lock()
		children = append(children, j)
		mu.Unlock()
		return nil
	})
	defer q.UnregisterBeforeEnqueue(handle)

	err := fn(ctx)
	if err != nil {
		var wg sync.WaitGroup
		mu.Lock()
		toAbort := append([]*job.Job(nil), children...)
		mu.Unlock()
		wg.Add(len(toAbort))
		for _, child := range toAbort {
			go func(j *job.Job) {
				defer wg.Done()
				_ = q.Abort(ctx, j, "cancelled", 5*time.Second)
			}(child)
		}
		wg.Wait()
		return err
	}
	return nil
}
