package progress

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// advanceScript bumps processed and drags a known total along with it
var advanceScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return redis.error_reply("unknown job")
end
local processed = redis.call("HINCRBY", KEYS[1], "processed", ARGV[1])
local total = tonumber(redis.call("HGET", KEYS[1], "total") or "-1")
if total >= 0 and total < processed then
  redis.call("HSET", KEYS[1], "total", processed)
end
redis.call("EXPIRE", KEYS[1], ARGV[2])
return processed
`)

// setTotalScript stores max(total, processed)
var setTotalScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return redis.error_reply("unknown job")
end
local processed = tonumber(redis.call("HGET", KEYS[1], "processed") or "0")
local total = tonumber(ARGV[1])
if total < processed then
  total = processed
end
redis.call("HSET", KEYS[1], "total", total)
redis.call("EXPIRE", KEYS[1], ARGV[2])
return total
`)

// RedisTracker keeps one hash per job so several API replicas can answer
// polls for jobs running elsewhere.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTracker wraps an existing client. Records expire ttl after their
// last update.
func NewRedisTracker(client *redis.Client, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &RedisTracker{client: client, ttl: ttl}
}

func progressKey(jobID string) string {
	return "import:progress:" + jobID
}

func (r *RedisTracker) ttlSeconds() int64 {
	return int64(r.ttl / time.Second)
}

func isUnknown(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unknown job")
}

func (r *RedisTracker) Start(ctx context.Context, jobID string, total *int64) error {
	key := progressKey(jobID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "processed", 0)
		pipe.HSetNX(ctx, key, "total", -1)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to start progress for %s: %w", jobID, err)
	}
	if total != nil {
		return r.SetTotal(ctx, jobID, *total)
	}
	return nil
}

func (r *RedisTracker) SetTotal(ctx context.Context, jobID string, total int64) error {
	err := setTotalScript.Run(ctx, r.client, []string{progressKey(jobID)}, total, r.ttlSeconds()).Err()
	if isUnknown(err) {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if err != nil {
		return fmt.Errorf("failed to set total for %s: %w", jobID, err)
	}
	return nil
}

func (r *RedisTracker) Advance(ctx context.Context, jobID string, delta int64) (int64, error) {
	if delta < 0 {
		return 0, ErrNegativeDelta
	}
	processed, err := advanceScript.Run(ctx, r.client, []string{progressKey(jobID)}, delta, r.ttlSeconds()).Int64()
	if isUnknown(err) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to advance progress for %s: %w", jobID, err)
	}
	return processed, nil
}

func (r *RedisTracker) Get(ctx context.Context, jobID string) (Record, error) {
	values, err := r.client.HMGet(ctx, progressKey(jobID), "processed", "total").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Record{}, fmt.Errorf("failed to read progress for %s: %w", jobID, err)
	}
	if len(values) != 2 || values[0] == nil {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}

	record := Record{JobID: jobID}
	record.Processed, _ = strconv.ParseInt(fmt.Sprint(values[0]), 10, 64)
	if values[1] != nil {
		if total, err := strconv.ParseInt(fmt.Sprint(values[1]), 10, 64); err == nil && total >= 0 {
			record.Total = &total
		}
	}
	return record, nil
}

func (r *RedisTracker) Remove(ctx context.Context, jobID string) error {
	if err := r.client.Del(ctx, progressKey(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to remove progress for %s: %w", jobID, err)
	}
	return nil
}
