package ratelimit

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisKeyPrefix namespaces the limiter keys in a shared Redis.
const RedisKeyPrefix = "surveyor:ratelimit:"

// The counter key expires with its window, which resets it.
var consumeScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[1]) then
	return 0
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 1
`)

// Redis is a fixed window limiter sharing its state through Redis, so that every instance of
// the service sees the same counters.
type Redis struct {
	client redis.UniversalClient
	policy PolicyProvider
}

// NewRedis returns a limiter storing its windows through client.
func NewRedis(client redis.UniversalClient, p PolicyProvider) *Redis {
	return &Redis{client: client, policy: p}
}

// TryConsume implements Limiter. The check and increment run atomically in one script.
func (r *Redis) TryConsume(ctx context.Context, key string) (bool, error) {
	p := r.policy.RateLimitPolicy()

	allowed, err := consumeScript.Run(ctx, r.client,
		[]string{RedisKeyPrefix + key},
		p.MaxPerWindow, p.Window.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("could not consume rate limit token for key: %w", err)
	}
	return allowed == 1, nil
}
