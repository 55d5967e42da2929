package queue

import (
	"context"
	"sync"

	"github.com/saqgo/saq/pkg/job"
)

// BeforeEnqueueFunc is invoked, in registration order, immediately before a
// job is written to the store. If it returns an error, the enqueue aborts
// without contacting the store (spec.md §4.2).
type BeforeEnqueueFunc func(ctx context.Context, j *job.Job) error

// CallbackHandle identifies a registered callback for later unregistration.
// Using an opaque handle instead of keying by callback identity is the
// Go-native equivalent of the REDESIGN note in spec.md §9 ("global mutable
// callback registry keyed by callback identity").
type CallbackHandle int64

// callbackRegistry is an ordered slab of before_enqueue callbacks.
type callbackRegistry struct {
	mu     sync.Mutex
	nextID CallbackHandle
	order  []CallbackHandle
	byID   map[CallbackHandle]BeforeEnqueueFunc
}

func newCallbackRegistry() *callbackRegistry {
	return &callbackRegistry{byID: make(map[CallbackHandle]BeforeEnqueueFunc)}
}

func (r *callbackRegistry) register(fn BeforeEnqueueFunc) CallbackHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.byID[id] = fn
	r.order = append(r.order, id)
	return id
}

func (r *callbackRegistry) unregister(id CallbackHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *callbackRegistry) run(ctx context.Context, j *job.Job) error {
	r.mu.Lock()
	order := append([]CallbackHandle(nil), r.order...)
	r.mu.Unlock()

	for _, id := range order {
		r.mu.Lock()
		fn := r.byID[id]
		r.mu.Unlock()
		if fn == nil {
			continue
		}
		if err := fn(ctx, j); err != nil {
			return err
		}
	}
	return nil
}

// RegisterBeforeEnqueue registers a callback run before every enqueue.
func (q *Queue) RegisterBeforeEnqueue(fn BeforeEnqueueFunc) CallbackHandle {
	return q.before.register(fn)
}

// UnregisterBeforeEnqueue removes a previously registered callback.
func (q *Queue) UnregisterBeforeEnqueue(h CallbackHandle) {
	q.before.unregister(h)
}
