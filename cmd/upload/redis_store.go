package upload

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const expiryIndexKey = "upload:expiry"

// RedisSessionStore keeps sessions in Redis so several API replicas can share
// the protocol state:
//
//	upload:<id>          hash of session fields
//	upload:<id>:chunks   hash of index -> size
//	upload:expiry        sorted set of ids scored by expiry time
type RedisSessionStore struct {
	client *redis.Client
	linger time.Duration // keys outlive ExpiresAt by this much
}

// NewRedisSessionStore wraps an existing client
func NewRedisSessionStore(client *redis.Client, linger time.Duration) *RedisSessionStore {
	if linger <= 0 {
		linger = 24 * time.Hour
	}
	return &RedisSessionStore{client: client, linger: linger}
}

func sessionKey(id string) string { return "upload:" + id }
func chunksKey(id string) string  { return "upload:" + id + ":chunks" }

func (r *RedisSessionStore) fields(s *Session) map[string]interface{} {
	return map[string]interface{}{
		"id":             s.ID,
		"filename":       s.Filename,
		"expected_size":  s.ExpectedSize,
		"chunk_size":     s.ChunkSize,
		"chunk_count":    s.ChunkCount,
		"status":         string(s.Status),
		"claimed":        strconv.FormatBool(s.Claimed),
		"assembled_path": s.AssembledPath,
		"assembled_size": s.AssembledSize,
		"created_at":     s.CreatedAt.UTC().Format(time.RFC3339Nano),
		"expires_at":     s.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
}

func (r *RedisSessionStore) write(ctx context.Context, s *Session, create bool) error {
	key := sessionKey(s.ID)
	deadline := s.ExpiresAt.Add(r.linger)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, r.fields(s))
		pipe.ExpireAt(ctx, key, deadline)
		if create {
			// placeholder field keeps the hash alive before the first chunk
			pipe.HSetNX(ctx, chunksKey(s.ID), "-1", 0)
		}
		pipe.ExpireAt(ctx, chunksKey(s.ID), deadline)
		pipe.ZAdd(ctx, expiryIndexKey, redis.Z{Score: float64(s.ExpiresAt.Unix()), Member: s.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write session %s: %w", s.ID, err)
	}
	return nil
}

func (r *RedisSessionStore) Create(ctx context.Context, s *Session) error {
	exists, err := r.client.Exists(ctx, sessionKey(s.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check session %s: %w", s.ID, err)
	}
	if exists > 0 {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	return r.write(ctx, s, true)
}

func (r *RedisSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	meta, err := r.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	if len(meta) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	chunks, err := r.client.HGetAll(ctx, chunksKey(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read chunks of %s: %w", id, err)
	}

	s := &Session{
		ID:            id,
		Filename:      meta["filename"],
		Status:        Status(meta["status"]),
		AssembledPath: meta["assembled_path"],
		Received:      make(map[int]int64, len(chunks)),
	}
	s.ExpectedSize, _ = strconv.ParseInt(meta["expected_size"], 10, 64)
	s.ChunkSize, _ = strconv.ParseInt(meta["chunk_size"], 10, 64)
	s.ChunkCount, _ = strconv.Atoi(meta["chunk_count"])
	s.AssembledSize, _ = strconv.ParseInt(meta["assembled_size"], 10, 64)
	s.Claimed, _ = strconv.ParseBool(meta["claimed"])
	s.CreatedAt, _ = time.Parse(time.RFC3339Nano, meta["created_at"])
	s.ExpiresAt, _ = time.Parse(time.RFC3339Nano, meta["expires_at"])

	for field, value := range chunks {
		index, err := strconv.Atoi(field)
		if err != nil || index < 0 {
			continue
		}
		size, _ := strconv.ParseInt(value, 10, 64)
		s.Received[index] = size
	}

	return s, nil
}

// RecordChunk is a single HSET so concurrent arrivals for distinct indices never race
func (r *RedisSessionStore) RecordChunk(ctx context.Context, id string, index int, size int64) error {
	exists, err := r.client.Exists(ctx, sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check session %s: %w", id, err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if err := r.client.HSet(ctx, chunksKey(id), strconv.Itoa(index), size).Err(); err != nil {
		return fmt.Errorf("failed to record chunk %d of %s: %w", index, id, err)
	}
	return nil
}

func (r *RedisSessionStore) Save(ctx context.Context, s *Session) error {
	exists, err := r.client.Exists(ctx, sessionKey(s.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check session %s: %w", s.ID, err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSession, s.ID)
	}
	return r.write(ctx, s, false)
}

func (r *RedisSessionStore) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(id), chunksKey(id))
		pipe.ZRem(ctx, expiryIndexKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

func (r *RedisSessionStore) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := r.client.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	return ids, nil
}
