package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/saqgo/saq/pkg/job"
	"github.com/saqgo/saq/pkg/logger"
)

// Schedule promotes due-but-unqueued jobs from incomplete into queued,
// under a TTL-based lock so at most one scheduler runs per lock interval
// (spec.md §4.3). Returns the ids promoted; nil if another scheduler
// currently holds the lock.
func (q *Queue) Schedule(ctx context.Context, lockSeconds int) ([]string, error) {
	res, err := scheduleScript.Run(ctx, q.rdb,
		[]string{q.scheduleKey, q.incompleteKey, q.queuedKey},
		lockSeconds, time.Now().Unix(),
	).Result()
	if err != nil {
		if isRedisNil(err) {
			return nil, nil
		}
		return nil, err
	}
	return toStringSlice(res), nil
}

// Sweep reaps abandoned entries from the active list: a job whose record
// is missing is treated as an orphan and its id is removed from active and
// incomplete; a job whose record is present but not ACTIVE, or stuck, is
// finished with ABORTED (spec.md §4.6). Runs under a longer TTL lock so at
// most one sweep runs per lock interval.
func (q *Queue) Sweep(ctx context.Context, lockSeconds int) ([]string, error) {
	res, err := sweepLockScript.Run(ctx, q.rdb,
		[]string{q.sweepKey, q.activeKey},
		lockSeconds,
	).Result()
	if err != nil {
		if isRedisNil(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := toStringSlice(res)
	if len(ids) == 0 {
		return nil, nil
	}

	raws, err := q.rdb.MGet(ctx, ids...).Result()
	if err != nil {
		return nil, err
	}

	var swept []string
	for i, id := range ids {
		raw := raws[i]
		if raw == nil {
			swept = append(swept, id)
			pipe := q.rdb.TxPipeline()
			pipe.LRem(ctx, q.activeKey, 0, id)
			pipe.ZRem(ctx, q.incompleteKey, id)
			if _, err := pipe.Exec(ctx); err != nil {
				return swept, err
			}
			logger.Log.Info().Str("queue", q.name).Str("job_id", id).Msg("sweeping missing job")
			continue
		}

		b, ok := raw.(string)
		if !ok {
			continue
		}
		j, err := q.deserialize([]byte(b))
		if err != nil {
			return swept, err
		}
		if j == nil {
			continue
		}
		if j.Status != job.StatusActive || j.Stuck(time.Now()) {
			swept = append(swept, id)
			if err := q.Finish(ctx, j, job.StatusAborted, nil, "swept"); err != nil {
				return swept, err
			}
			logger.Log.Info().Str("queue", q.name).Str("key", j.Key).Msg("sweeping job")
		}
	}
	return swept, nil
}

// Stats is the set of per-worker process-local counters persisted for
// the queue's Info view (spec.md §4.9).
type Stats struct {
	Complete int64 `json:"complete"`
	Failed   int64 `json:"failed"`
	Retried  int64 `json:"retried"`
	Aborted  int64 `json:"aborted"`
	Uptime   int64 `json:"uptime"`
}

// PublishStats writes this queue handle's counters under its worker uuid
// key with the given ttl, trims expired entries from the live-worker index,
// and re-registers this worker in it (spec.md §4.9).
func (q *Queue) PublishStats(ctx context.Context, ttl time.Duration) (Stats, error) {
	current := time.Now()
	stats := Stats{
		Complete: q.complete.Load(),
		Failed:   q.failed.Load(),
		Retried:  q.retried.Load(),
		Aborted:  q.aborted.Load(),
		Uptime:   current.Unix() - q.started,
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return Stats{}, err
	}

	key := namespace(q.name, "stats:"+q.uuid)
	pipe := q.rdb.TxPipeline()
	pipe.SetEx(ctx, key, data, ttl)
	pipe.ZRemRangeByScore(ctx, q.statsKey, "0", strconv.FormatInt(current.UnixMilli(), 10))
	pipe.ZAdd(ctx, q.statsKey, redis.Z{Score: float64(current.Add(ttl).UnixMilli()), Member: key})
	pipe.Expire(ctx, q.statsKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Info is the read-only snapshot served to the admin surface (spec.md §4.9,
// §6).
type Info struct {
	Workers   map[string]Stats `json:"workers"`
	Name      string           `json:"name"`
	Queued    int64            `json:"queued"`
	Active    int64            `json:"active"`
	Scheduled int64            `json:"scheduled"`
	Jobs      []*job.Job       `json:"jobs,omitempty"`
}

// GetInfo reports live worker stats and queue depths. When withJobs is
// true, it also fetches the jobs at list positions offset through limit-1
// of active and of queued (limit is an end index, not a count), active
// jobs first.
func (q *Queue) GetInfo(ctx context.Context, withJobs bool, offset, limit int64) (Info, error) {
	now := time.Now().UnixMilli()
	workerKeysRaw, err := q.rdb.ZRangeByScore(ctx, q.statsKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return Info{}, err
	}

	workers := make(map[string]Stats)
	if len(workerKeysRaw) > 0 {
		blobs, err := q.rdb.MGet(ctx, workerKeysRaw...).Result()
		if err != nil {
			return Info{}, err
		}
		for i, key := range workerKeysRaw {
			raw := blobs[i]
			if raw == nil {
				continue
			}
			s, ok := raw.(string)
			if !ok {
				continue
			}
			var stats Stats
			if err := json.Unmarshal([]byte(s), &stats); err != nil {
				continue
			}
			uuidPart := key
			if idx := strings.LastIndex(key, ":"); idx >= 0 {
				uuidPart = key[idx+1:]
			}
			workers[uuidPart] = stats
		}
	}

	queued, err := q.Count(ctx, CountQueued)
	if err != nil {
		return Info{}, err
	}
	active, err := q.Count(ctx, CountActive)
	if err != nil {
		return Info{}, err
	}
	incomplete, err := q.Count(ctx, CountIncomplete)
	if err != nil {
		return Info{}, err
	}

	info := Info{
		Workers:   workers,
		Name:      q.name,
		Queued:    queued,
		Active:    active,
		Scheduled: incomplete - queued - active,
	}

	if withJobs {
		activeIDs, err := q.rdb.LRange(ctx, q.activeKey, offset, limit-1).Result()
		if err != nil {
			return Info{}, err
		}
		queuedIDs, err := q.rdb.LRange(ctx, q.queuedKey, offset, limit-1).Result()
		if err != nil {
			return Info{}, err
		}
		ids := append(activeIDs, queuedIDs...)
		if len(ids) > 0 {
			blobs, err := q.rdb.MGet(ctx, ids...).Result()
			if err != nil {
				return Info{}, err
			}
			for _, raw := range blobs {
				if raw == nil {
					continue
				}
				s, ok := raw.(string)
				if !ok {
					continue
				}
				j, err := q.deserialize([]byte(s))
				if err != nil || j == nil {
					continue
				}
				info.Jobs = append(info.Jobs, j)
			}
		}
	}

	return info, nil
}

func isRedisNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

func toStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
