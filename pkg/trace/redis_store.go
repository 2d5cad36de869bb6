package trace

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// liveChunkExpiry bounds how long an abandoned live trace stays in Redis.
const liveChunkExpiry = 7 * 24 * time.Hour

// RedisChunkStore keeps live chunks of a build in one Redis hash keyed by chunk index.
type RedisChunkStore struct {
	redis *redis.Client
}

func NewRedisChunkStore(client *redis.Client) *RedisChunkStore {
	return &RedisChunkStore{redis: client}
}

func liveKey(buildID int64) string {
	return fmt.Sprintf("trace:chunks:%d", buildID)
}

func (s *RedisChunkStore) Put(ctx context.Context, buildID int64, index int, data []byte) error {
	key := liveKey(buildID)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, strconv.Itoa(index), data)
		pipe.Expire(ctx, key, liveChunkExpiry)
		return nil
	})
	return errors.Wrapf(err, "write live chunk %d/%d", buildID, index)
}

func (s *RedisChunkStore) Get(ctx context.Context, buildID int64, index int) ([]byte, error) {
	data, err := s.redis.HGet(ctx, liveKey(buildID), strconv.Itoa(index)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(ErrChunkNotFound, "build %d chunk %d", buildID, index)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read live chunk %d/%d", buildID, index)
	}
	return data, nil
}

func (s *RedisChunkStore) List(ctx context.Context, buildID int64) ([]int, error) {
	fields, err := s.redis.HKeys(ctx, liveKey(buildID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "list live chunks %d", buildID)
	}
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		idx, err := strconv.Atoi(f)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid chunk index %q", f)
		}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out, nil
}

func (s *RedisChunkStore) Delete(ctx context.Context, buildID int64, index int) error {
	err := s.redis.HDel(ctx, liveKey(buildID), strconv.Itoa(index)).Err()
	return errors.Wrapf(err, "delete live chunk %d/%d", buildID, index)
}

var _ ChunkStore = (*RedisChunkStore)(nil)
