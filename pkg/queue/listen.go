package queue

import (
	"context"
	"errors"
	"time"

	"github.com/saqgo/saq/pkg/job"
)

// ListenCallback is invoked for every status-change message observed on a
// watched job's channel. If it returns true, Listen stops (spec.md §4.7).
type ListenCallback func(key string, status job.Status) bool

// ErrListenTimeout is returned by Listen when its timeout elapses before
// callback signals completion, so a caller can tell "gave up waiting" apart
// from "watched jobs finished" instead of both surfacing as a nil error
// (spec.md §4.7/§4.8).
var ErrListenTimeout = errors.New("saq: listen timed out before all jobs reached a terminal status")

// Notify publishes the job's current status on its channel.
func (q *Queue) Notify(ctx context.Context, j *job.Job) error {
	return q.rdb.Publish(ctx, j.ID(), string(j.Status)).Err()
}

// Listen subscribes to the pub/sub channels of the given job keys and
// invokes callback for each status-change message, until callback returns
// true or timeout elapses. timeout<=0 waits forever; a positive timeout
// that elapses before callback returns true yields ErrListenTimeout, not a
// nil error, so a caller cannot mistake "gave up" for "finished" (spec.md
// §4.7). The subscription is always torn down on return.
func (q *Queue) Listen(ctx context.Context, keys []string, callback ListenCallback, timeout time.Duration) error {
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = jobID(q.name, k)
	}

	pubsub := q.rdb.Subscribe(ctx, ids...)
	defer pubsub.Unsubscribe(ctx, ids...) //nolint:errcheck

	listenCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		listenCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-listenCtx.Done():
			if timeout > 0 && errors.Is(listenCtx.Err(), context.DeadlineExceeded) {
				return ErrListenTimeout
			}
			return listenCtx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			key := job.KeyFromID(msg.Channel)
			status := job.Status(msg.Payload)
			if callback(key, status) {
				return nil
			}
		}
	}
}
