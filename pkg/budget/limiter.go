package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter throttles provider calls across a deployment. Keys are typically
// "run:<id>" or "provider:<name>".
type Limiter interface {
	Allow(ctx context.Context, key string, cost int) (bool, error)
}

// LimitPolicy configures a token bucket.
type LimitPolicy struct {
	RPM   int `json:"rpm" yaml:"rpm"`
	Burst int `json:"burst" yaml:"burst"`
}

// LocalLimiter keeps one in-process token bucket per key. Suitable for a
// single-node deployment.
type LocalLimiter struct {
	policy  LimitPolicy
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewLocalLimiter(policy LimitPolicy) *LocalLimiter {
	return &LocalLimiter{policy: policy, buckets: make(map[string]*rate.Limiter)}
}

func (l *LocalLimiter) Allow(_ context.Context, key string, cost int) (bool, error) {
	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		perSecond := rate.Limit(float64(l.policy.RPM) / 60.0)
		if perSecond <= 0 {
			perSecond = 1
		}
		bucket = rate.NewLimiter(perSecond, l.policy.Burst)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()
	return bucket.AllowN(time.Now(), cost), nil
}

// redisTokenBucketScript runs the token bucket atomically in Redis so
// multiple engine nodes share one bucket per key.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix timestamp (seconds)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiter implements Limiter on a shared Redis instance.
type RedisLimiter struct {
	client *redis.Client
	policy LimitPolicy
}

func NewRedisLimiter(addr, password string, db int, policy LimitPolicy) *RedisLimiter {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLimiter{client: rdb, policy: policy}
}

// Allow executes the bucket script. Fails closed: a Redis error denies.
func (l *RedisLimiter) Allow(ctx context.Context, key string, cost int) (bool, error) {
	perSecond := float64(l.policy.RPM) / 60.0
	if perSecond <= 0 {
		perSecond = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, l.client,
		[]string{"limiter:" + key}, perSecond, l.policy.Burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("budget: redis limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("budget: unexpected limiter script response")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
