package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/oxford22/guthwine/pkg/contracts"
)

// slidingWindowScript folds a new (amount, count) sample into a Redis
// sorted-set window and returns the post-increment totals, evicting
// samples older than the window in the same atomic script. Grounded on
// the teacher's redisTokenBucketScript (pkg/kernel/limiter_redis.go) —
// same "one round trip, one atomic decision" shape, adapted from a token
// bucket to a sliding sum.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window_ms = tonumber(ARGV[1])
local amount = tonumber(ARGV[2])
local count = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])
local member = ARGV[5]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now_ms - window_ms)
redis.call("ZADD", key, now_ms, member .. ":" .. amount .. ":" .. count)
redis.call("PEXPIRE", key, window_ms)

local members = redis.call("ZRANGE", key, 0, -1)
local totalAmount = 0
local totalCount = 0
for _, m in ipairs(members) do
	local a, c = m:match(":(.+):(.+)$")
	totalAmount = totalAmount + tonumber(a)
	totalCount = totalCount + tonumber(c)
end
return {tostring(totalAmount), totalCount}
`)

// RedisCache implements Cache against Redis (go-redis/v9).
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an already-constructed redis.Client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (c *RedisCache) DeletePattern(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis delete pattern: %w", err)
		}
	}
	return iter.Err()
}

func (c *RedisCache) SlidingWindowIncr(ctx context.Context, key string, window time.Duration, amount float64, count int) (float64, int, error) {
	res, err := slidingWindowScript.Run(ctx, c.client, []string{key}, window.Milliseconds(), amount, count, time.Now().UnixMilli(), uuid.New().String()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis sliding window: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return 0, 0, fmt.Errorf("redis sliding window: unexpected script response")
	}
	var totalAmount float64
	fmt.Sscanf(fmt.Sprint(results[0]), "%f", &totalAmount)
	totalCount, _ := results[1].(int64)
	return totalAmount, int(totalCount), nil
}

// Lock acquires a Redis SET NX lease, returning a release func that issues
// a best-effort DEL (not a compare-and-delete script); fine for the
// single-owner leases the orchestrator takes, which never outlive ttl.
func (c *RedisCache) Lock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	ok, err := c.client.SetNX(ctx, "lock:"+key, "1", ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		_ = c.client.Del(context.Background(), "lock:"+key).Err()
	}
	return release, true, nil
}

var _ contracts.Cache = (*RedisCache)(nil)
