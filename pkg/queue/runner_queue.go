package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vyvo/ci/backend/pkg/ci"
)

// RunnerQueueExpiry is how long a runner's queue value lives and how recently a runner
// must have polled to be ticked.
const RunnerQueueExpiry = time.Hour

// RunnerQueue holds a per-runner value that changes whenever work the runner may pick
// shows up. Runners long-poll with their last seen value and skip the queue scan while
// it is still current.
type RunnerQueue interface {
	// PickBuild ticks the runner when it can run the build.
	PickBuild(ctx context.Context, runner *ci.Runner, build *ci.Build) error
	Tick(ctx context.Context, runner *ci.Runner) (string, error)
	// Value returns the current value, creating one when absent.
	Value(ctx context.Context, runner *ci.Runner) (string, error)
	IsLatest(ctx context.Context, runner *ci.Runner, lastUpdate string) (bool, error)
}

func runnerQueueKey(token string) string {
	return fmt.Sprintf("runner:build_queue:%s", token)
}

// RedisRunnerQueue stores runner queue values in Redis.
type RedisRunnerQueue struct {
	redis *redis.Client
}

// NewRedisRunnerQueue connects to redisURL and verifies the connection.
func NewRedisRunnerQueue(ctx context.Context, redisURL string) (*RedisRunnerQueue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis URL")
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to connect to redis")
	}
	return &RedisRunnerQueue{redis: client}, nil
}

// NewRedisRunnerQueueFromClient wraps an existing client.
func NewRedisRunnerQueueFromClient(client *redis.Client) *RedisRunnerQueue {
	return &RedisRunnerQueue{redis: client}
}

func (q *RedisRunnerQueue) PickBuild(ctx context.Context, runner *ci.Runner, build *ci.Build) error {
	if !runner.CanPick(build) {
		return nil
	}
	_, err := q.Tick(ctx, runner)
	return err
}

func (q *RedisRunnerQueue) Tick(ctx context.Context, runner *ci.Runner) (string, error) {
	value := uuid.NewString()
	if err := q.redis.Set(ctx, runnerQueueKey(runner.Token), value, RunnerQueueExpiry).Err(); err != nil {
		return "", errors.Wrapf(err, "tick runner %d", runner.ID)
	}
	return value, nil
}

func (q *RedisRunnerQueue) Value(ctx context.Context, runner *ci.Runner) (string, error) {
	key := runnerQueueKey(runner.Token)
	if err := q.redis.SetNX(ctx, key, uuid.NewString(), RunnerQueueExpiry).Err(); err != nil {
		return "", errors.Wrapf(err, "ensure queue value for runner %d", runner.ID)
	}
	value, err := q.redis.Get(ctx, key).Result()
	if err != nil {
		return "", errors.Wrapf(err, "read queue value for runner %d", runner.ID)
	}
	return value, nil
}

func (q *RedisRunnerQueue) IsLatest(ctx context.Context, runner *ci.Runner, lastUpdate string) (bool, error) {
	if lastUpdate == "" {
		return false, nil
	}
	value, err := q.Value(ctx, runner)
	if err != nil {
		return false, err
	}
	return value == lastUpdate, nil
}

func (q *RedisRunnerQueue) Close() error {
	return q.redis.Close()
}

// MemoryRunnerQueue keeps values in process. Values never expire.
type MemoryRunnerQueue struct {
	mu     sync.Mutex
	values map[string]string
	ticks  map[int64]int
}

func NewMemoryRunnerQueue() *MemoryRunnerQueue {
	return &MemoryRunnerQueue{
		values: make(map[string]string),
		ticks:  make(map[int64]int),
	}
}

func (q *MemoryRunnerQueue) PickBuild(ctx context.Context, runner *ci.Runner, build *ci.Build) error {
	if !runner.CanPick(build) {
		return nil
	}
	_, err := q.Tick(ctx, runner)
	return err
}

func (q *MemoryRunnerQueue) Tick(_ context.Context, runner *ci.Runner) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	value := uuid.NewString()
	q.values[runner.Token] = value
	q.ticks[runner.ID]++
	return value, nil
}

func (q *MemoryRunnerQueue) Value(_ context.Context, runner *ci.Runner) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if v, ok := q.values[runner.Token]; ok {
		return v, nil
	}
	v := uuid.NewString()
	q.values[runner.Token] = v
	return v, nil
}

func (q *MemoryRunnerQueue) IsLatest(ctx context.Context, runner *ci.Runner, lastUpdate string) (bool, error) {
	if lastUpdate == "" {
		return false, nil
	}
	v, err := q.Value(ctx, runner)
	return v == lastUpdate, err
}

// Ticks reports how many times the runner was ticked.
func (q *MemoryRunnerQueue) Ticks(runnerID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ticks[runnerID]
}

var (
	_ RunnerQueue = (*RedisRunnerQueue)(nil)
	_ RunnerQueue = (*MemoryRunnerQueue)(nil)
)
