// Package worker implements the process side of the job queue: a registry
// of named handler functions and a pool that dequeues, dispatches, and
// finishes jobs with heartbeats, retries, and graceful shutdown
// (spec.md §4.4, §9 REDESIGN note on static dispatch replacing Python's
// module-path function lookup).
package worker

import (
	"context"
	"fmt"

	"github.com/saqgo/saq/pkg/job"
)

// Handler processes one job's kwargs and returns its result, or an error to
// trigger a retry or failure.
type Handler func(ctx context.Context, kwargs job.Kwargs) (any, error)

// Registry maps function names to their Handler, the Go-native replacement
// for the original's dynamic import-path dispatch (spec.md §9).
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a function name to a handler. Re-registering a name
// overwrites the previous handler.
func (r *Registry) Register(function string, h Handler) {
	r.handlers[function] = h
}

// Lookup returns the handler bound to function, if any.
func (r *Registry) Lookup(function string) (Handler, bool) {
	h, ok := r.handlers[function]
	return h, ok
}

// errUnknownFunction formats the failure message stored on a job whose
// function name has no registered handler.
func errUnknownFunction(function string) error {
	return fmt.Errorf("saq: no handler registered for function %q", function)
}
