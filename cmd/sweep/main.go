// Package main runs the sweep driver as a standalone process: a cron.Cron
// tick that periodically reaps orphaned or stuck active jobs, for
// deployments that split this out from the worker process. Grounded on the
// teacher's cron.New(cron.WithSeconds())/AddFunc usage in
// pkg/queue/client.go.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/saqgo/saq/internal/config"
	"github.com/saqgo/saq/pkg/logger"
	"github.com/saqgo/saq/pkg/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to load config")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	q := queue.New(rdb, cfg.QueueName, queue.WithMaxConcurrentOps(cfg.MaxConcurrentOps))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := cron.New(cron.WithSeconds())
	_, err = c.AddFunc("@every "+cfg.SweepInterval.String(), func() {
		ids, err := q.Sweep(ctx, cfg.SweepLockSeconds)
		if err != nil {
			logger.Log.Error().Err(err).Msg("sweep tick failed")
			return
		}
		if len(ids) > 0 {
			logger.Log.Info().Int("count", len(ids)).Msg("swept stuck jobs")
		}
	})
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to register sweep cron entry")
	}

	c.Start()
	defer c.Stop()

	logger.Log.Info().Str("queue", cfg.QueueName).Msg("sweep driver started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Log.Info().Msg("sweep driver shutting down")
}
