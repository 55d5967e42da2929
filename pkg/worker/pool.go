package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/saqgo/saq/pkg/job"
	"github.com/saqgo/saq/pkg/logger"
	"github.com/saqgo/saq/pkg/queue"
)

// Pool runs up to Concurrency goroutines dequeuing from a single Queue and
// dispatching to a Registry, grounded on the teacher's worker loop
// (cmd/worker/main.go's startWorker) generalized from a single hardcoded
// loop to a configurable pool of workers sharing one dequeue source.
type Pool struct {
	Queue       *queue.Queue
	Registry    *Registry
	Concurrency int
	// DequeueTimeout bounds how long a single Dequeue call blocks before
	// re-checking for shutdown; it does not bound job execution.
	DequeueTimeout time.Duration

	wg sync.WaitGroup
}

// NewPool creates a pool with the given concurrency (minimum 1).
func NewPool(q *queue.Queue, reg *Registry, concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		Queue:          q,
		Registry:       reg,
		Concurrency:    concurrency,
		DequeueTimeout: 5 * time.Second,
	}
}

// Run starts Concurrency worker goroutines and blocks until ctx is
// cancelled and every in-flight job has finished.
func (p *Pool) Run(ctx context.Context) {
	p.wg.Add(p.Concurrency)
	for i := 0; i < p.Concurrency; i++ {
		go func(id int) {
			defer p.wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		j, err := p.Queue.Dequeue(ctx, p.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Log.Error().Err(err).Int("worker", id).Msg("dequeue failed")
			continue
		}
		if j == nil {
			continue
		}

		queueLatency.WithLabelValues(j.Function).Observe(time.Since(time.Unix(j.Queued, 0)).Seconds())
		p.process(ctx, j)
	}
}

// process runs one job to completion: heartbeats while the handler is in
// flight, recovers from a handler panic as a failure, and resolves the job
// via Finish or Retry depending on the outcome and the job's remaining
// attempts (spec.md §4.4/§4.5).
func (p *Pool) process(ctx context.Context, j *job.Job) {
	j.Started = time.Now().Unix()
	j.Status = job.StatusActive

	// Persist the ACTIVE transition unconditionally: Sweep relies on the
	// stored record's status to tell a running job from an abandoned one
	// (spec.md data-model Invariant 3), and a job with no heartbeat
	// configured would otherwise never write ACTIVE until it finishes.
	if err := p.Queue.Update(ctx, j); err != nil {
		logger.Log.Error().Err(err).Str("key", j.Key).Msg("failed to persist active status")
	}

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	if j.Heartbeat > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.heartbeat(hbCtx, j)
		}()
	}

	start := time.Now()
	result, handlerErr := p.dispatch(ctx, j)
	jobDuration.WithLabelValues(j.Function).Observe(time.Since(start).Seconds())
	cancelHB()

	if abortMsg, aborting, err := p.Queue.Aborting(ctx, j.Key); err == nil && aborting {
		if err := p.Queue.Finish(ctx, j, job.StatusAborted, nil, abortMsg); err != nil {
			logger.Log.Error().Err(err).Str("key", j.Key).Msg("failed to finish aborted job")
		}
		jobsProcessed.WithLabelValues(string(job.StatusAborted), j.Function).Inc()
		return
	}

	if handlerErr != nil {
		// Count this attempt before deciding whether another is allowed, so
		// Retries=1 (job.New's default) means exactly one execution, not two
		// (spec.md:36 defines retries as the max *total* attempts).
		j.Attempts++
		if j.Attempts < j.Retries {
			if err := p.Queue.Retry(ctx, j, handlerErr.Error()); err != nil {
				logger.Log.Error().Err(err).Str("key", j.Key).Msg("failed to retry job")
			}
			jobsProcessed.WithLabelValues("retried", j.Function).Inc()
			return
		}
		if err := p.Queue.Finish(ctx, j, job.StatusFailed, nil, handlerErr.Error()); err != nil {
			logger.Log.Error().Err(err).Str("key", j.Key).Msg("failed to finish failed job")
		}
		jobsProcessed.WithLabelValues(string(job.StatusFailed), j.Function).Inc()
		return
	}

	if err := p.Queue.Finish(ctx, j, job.StatusComplete, result, ""); err != nil {
		logger.Log.Error().Err(err).Str("key", j.Key).Msg("failed to finish completed job")
	}
	jobsProcessed.WithLabelValues(string(job.StatusComplete), j.Function).Inc()
}

func (p *Pool) dispatch(ctx context.Context, j *job.Job) (result any, err error) {
	handler, ok := p.Registry.Lookup(j.Function)
	if !ok {
		return nil, errUnknownFunction(j.Function)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("saq: handler panic: %v", r)
		}
	}()

	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(j.Timeout)*time.Second)
		defer cancel()
	}

	return handler(ctx, j.Kwargs)
}

func (p *Pool) heartbeat(ctx context.Context, j *job.Job) {
	ticker := time.NewTicker(time.Duration(j.Heartbeat) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Queue.Update(ctx, j); err != nil {
				logger.Log.Warn().Err(err).Str("key", j.Key).Msg("heartbeat update failed")
			}
		}
	}
}

// CollectQueueDepths periodically samples the queue's collection sizes
// into the queueDepth gauge, grounded on the teacher's collectQueueMetrics
// goroutine (cmd/worker/main.go).
func CollectQueueDepths(ctx context.Context, q *queue.Queue, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, kind := range []queue.CountKind{queue.CountQueued, queue.CountActive, queue.CountIncomplete} {
				n, err := q.Count(ctx, kind)
				if err != nil {
					logger.Log.Warn().Err(err).Msg("queue depth collection failed")
					continue
				}
				queueDepth.WithLabelValues(q.Name(), string(kind)).Set(float64(n))
			}
		}
	}
}
