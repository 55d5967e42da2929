// Package main runs the schedule driver as a standalone process: a
// cron.Cron tick that periodically promotes due jobs from incomplete into
// queued, for deployments that split this out from the worker process.
// Grounded on the teacher's cron.New(cron.WithSeconds())/AddFunc usage in
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
	_, err = c.AddFunc("@every "+cfg.ScheduleInterval.String(), func() {
		ids, err := q.Schedule(ctx, cfg.ScheduleLockSeconds)
		if err != nil {
			logger.Log.Error().Err(err).Msg("schedule tick failed")
			return
		}
		if len(ids) > 0 {
			logger.Log.Info().Int("count", len(ids)).Msg("promoted scheduled jobs")
		}
	})
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to register schedule cron entry")
	}

	c.Start()
	defer c.Stop()

	logger.Log.Info().Str("queue", cfg.QueueName).Msg("schedule driver started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Log.Info().Msg("schedule driver shutting down")
}
