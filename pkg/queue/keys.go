package queue

import (
	"strings"

	"github.com/saqgo/saq/pkg/job"
)

// namespace builds a queue-scoped key: "saq:<queue>:<part>".
func namespace(queueName, part string) string {
	return strings.Join([]string{"saq", queueName, part}, ":")
}

// jobID returns the full store identifier for a job key within this queue.
func jobID(queueName, key string) string {
	return job.IDFor(queueName, key)
}

// abortID returns the short-lived abort-request marker key for a job.
func abortID(queueName, key string) string {
	return jobID(queueName, key) + ":abort"
}
