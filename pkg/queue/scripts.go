package queue

import "github.com/redis/go-redis/v9"

// enqueueScript is the atomic enqueue precondition (spec.md §4.2): a job is
// only written and linked into incomplete/queued if it has no existing
// incomplete membership and is not blocked by an abort marker.
//
// KEYS[1] = incomplete (zset)
// KEYS[2] = job id
// KEYS[3] = queued (list)
// KEYS[4] = abort id
// ARGV[1] = serialized job
// ARGV[2] = scheduled epoch seconds (0 = ready now)
var enqueueScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], KEYS[2]) == false and redis.call('EXISTS', KEYS[4]) == 0 then
    redis.call('SET', KEYS[2], ARGV[1])
    redis.call('ZADD', KEYS[1], ARGV[2], KEYS[2])
    if ARGV[2] == '0' then redis.call('RPUSH', KEYS[3], KEYS[2]) end
    return 1
else
    return nil
end
`)

// scheduleScript promotes due-but-unqueued jobs (spec.md §4.3) under a
// TTL-based lock so at most one scheduler runs per lock interval.
//
// KEYS[1] = schedule lock
// KEYS[2] = incomplete (zset)
// KEYS[3] = queued (list)
// ARGV[1] = lock ttl seconds
// ARGV[2] = now epoch seconds
var scheduleScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    redis.call('SETEX', KEYS[1], ARGV[1], 1)
    local due = redis.call('ZRANGEBYSCORE', KEYS[2], 1, ARGV[2])

    if next(due) then
        local scores = {}
        for _, id in ipairs(due) do
            table.insert(scores, 0)
            table.insert(scores, id)
        end
        redis.call('ZADD', KEYS[2], unpack(scores))
        redis.call('RPUSH', KEYS[3], unpack(due))
    end

    return due
end
`)

// sweepLockScript claims the sweep lock and returns the current active-list
// snapshot to inspect (spec.md §4.6). The inspection and per-id recovery
// happen client-side since they require deserializing job records.
//
// KEYS[1] = sweep lock
// KEYS[2] = active (list)
// ARGV[1] = lock ttl seconds
var sweepLockScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    redis.call('SETEX', KEYS[1], ARGV[1], 1)
    return redis.call('LRANGE', KEYS[2], 0, -1)
end
`)
