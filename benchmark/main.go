// Package main provides a benchmark tool for saqgo to measure enqueue and
// end-to-end processing throughput, adapted from the teacher's
// benchmark/main.go.
//
// Usage:
//
//	go run benchmark/main.go -jobs 100000 -workers 10
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/saqgo/saq/pkg/job"
	"github.com/saqgo/saq/pkg/queue"
)

func main() {
	numJobs := flag.Int("jobs", 100000, "number of jobs to enqueue")
	numWorkers := flag.Int("workers", 10, "number of concurrent enqueuers")
	redisAddr := flag.String("redis", "localhost:6379", "redis address")
	queueName := flag.String("queue", "benchmark", "queue name")
	flag.Parse()

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	q := queue.New(rdb, *queueName, queue.WithMaxConcurrentOps(*numWorkers))
	ctx := context.Background()

	fmt.Printf("saqgo Benchmark\n")
	fmt.Printf("===============\n")
	fmt.Printf("Jobs to enqueue: %d\n", *numJobs)
	fmt.Printf("Concurrent enqueuers: %d\n\n", *numWorkers)

	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	jobsPerWorker := *numJobs / *numWorkers

	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < jobsPerWorker; j++ {
				kwargs := job.Kwargs{"worker": workerID, "job": j}
				if _, err := q.Enqueue(ctx, "echo", kwargs); err != nil {
					fmt.Printf("error enqueuing: %v\n", err)
					return
				}
				enqueued.Add(1)
			}
		}(i)
	}
	wg.Wait()
	enqueueTime := time.Since(startEnqueue)

	fmt.Printf("enqueued %d jobs in %s\n", enqueued.Load(), enqueueTime)
	fmt.Printf("  throughput: %.2f jobs/sec\n\n", float64(enqueued.Load())/enqueueTime.Seconds())

	fmt.Printf("waiting for all jobs to be processed...\n")
	startProcess := time.Now()

	for {
		queued, err := q.Count(ctx, queue.CountQueued)
		if err != nil {
			fmt.Printf("error counting queued: %v\n", err)
			break
		}
		active, err := q.Count(ctx, queue.CountActive)
		if err != nil {
			fmt.Printf("error counting active: %v\n", err)
			break
		}
		remaining := queued + active
		if remaining == 0 {
			break
		}
		time.Sleep(2 * time.Second)
		fmt.Printf("  remaining: %d jobs\n", remaining)
	}

	processTime := time.Since(startProcess)
	fmt.Printf("\nall jobs processed in %s\n", processTime)
	fmt.Printf("  throughput: %.2f jobs/sec\n", float64(*numJobs)/processTime.Seconds())

	totalTime := enqueueTime + processTime
	fmt.Printf("\ntotal time: %s\n", totalTime)
	fmt.Printf("overall throughput: %.2f jobs/sec\n", float64(*numJobs)/totalTime.Seconds())
}
