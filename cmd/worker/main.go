// Package main implements the saqgo worker process: it dequeues jobs from
// Redis, dispatches them to registered handlers, exposes Prometheus
// metrics, and drives the background scheduler/sweeper, adapted from the
// teacher's cmd/worker/main.go.
//
// Usage:
//
//	go run cmd/worker/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/saqgo/saq/internal/config"
	"github.com/saqgo/saq/pkg/job"
	"github.com/saqgo/saq/pkg/logger"
	"github.com/saqgo/saq/pkg/queue"
	"github.com/saqgo/saq/pkg/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to load config")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	q := queue.New(rdb, cfg.QueueName,
		queue.WithMaxConcurrentOps(cfg.MaxConcurrentOps),
		queue.WithRetryPolicy(exponentialBackoff),
	)

	registry := worker.NewRegistry()
	registerHandlers(registry)

	pool := worker.NewPool(q, registry, cfg.MaxConcurrentOps)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			logger.Log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info().Msg("shutting down worker")
		cancel()
	}()

	go worker.CollectQueueDepths(ctx, q, 5*time.Second)
	go runScheduleDriver(ctx, q, cfg)
	go runSweepDriver(ctx, q, cfg)

	logger.Log.Info().Str("queue", cfg.QueueName).Int("concurrency", cfg.MaxConcurrentOps).Msg("worker started")
	pool.Run(ctx)
}

// exponentialBackoff doubles the delay each attempt, capped at 60s, the
// Go-native policy bound to the RetryPolicy extension point (spec.md §9).
func exponentialBackoff(attempt int) time.Duration {
	delay := time.Second * time.Duration(1<<uint(attempt))
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}

func runScheduleDriver(ctx context.Context, q *queue.Queue, cfg *config.Config) {
	ticker := time.NewTicker(cfg.ScheduleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Schedule(ctx, cfg.ScheduleLockSeconds); err != nil {
				logger.Log.Error().Err(err).Msg("schedule tick failed")
			}
		}
	}
}

func runSweepDriver(ctx context.Context, q *queue.Queue, cfg *config.Config) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Sweep(ctx, cfg.SweepLockSeconds); err != nil {
				logger.Log.Error().Err(err).Msg("sweep tick failed")
			}
		}
	}
}

// registerHandlers binds the built-in demonstration functions. A real
// deployment registers its own handlers here instead.
func registerHandlers(r *worker.Registry) {
	r.Register("echo", func(ctx context.Context, kwargs job.Kwargs) (any, error) {
		return kwargs, nil
	})
	r.Register("sleep", func(ctx context.Context, kwargs job.Kwargs) (any, error) {
		seconds, _ := kwargs["seconds"].(float64)
		select {
		case <-time.After(time.Duration(seconds) * time.Second):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}
