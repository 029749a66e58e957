package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisRateKeyPrefix = "onramp:rate:"

// fixedWindowScript increments the window counter unless it already reached the limit,
// setting the expiry on the first hit. Returns {count, pttl, admitted}.
var fixedWindowScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if current == 0 then
  redis.call('SET', KEYS[1], 1, 'PX', ARGV[2])
  return {1, window, 1}
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  ttl = window
end
if current >= limit then
  return {current, ttl, 0}
end
current = redis.call('INCR', KEYS[1])
return {current, ttl, 1}
`)

// redisWindowStore shares fixed windows between gateway instances through Redis.
type redisWindowStore struct {
	client *redis.Client
	now    func() time.Time
}

func newRedisWindowStore(redisURL string) (*redisWindowStore, error) {
	redisOptions, parseError := redis.ParseURL(redisURL)
	if parseError != nil {
		return nil, fmt.Errorf("parse redis url: %w", parseError)
	}
	return &redisWindowStore{client: redis.NewClient(redisOptions), now: time.Now}, nil
}

// Allow implements windowStore.
func (store *redisWindowStore) Allow(ctx context.Context, clientKey string, policy RatePolicy) (RateDecision, error) {
	currentTime := store.now()
	if policy.Limit <= 0 {
		return RateDecision{Admitted: false, Remaining: 0, Limit: policy.Limit, ResetAt: currentTime.Add(policy.Window)}, nil
	}
	scriptResult, runError := fixedWindowScript.Run(ctx, store.client,
		[]string{redisRateKeyPrefix + clientKey},
		policy.Limit, policy.Window.Milliseconds(),
	).Int64Slice()
	if runError != nil {
		return RateDecision{}, fmt.Errorf("redis rate check: %w", runError)
	}
	return decisionFromScript(scriptResult, policy.Limit, currentTime)
}

func (store *redisWindowStore) Ping(ctx context.Context) error {
	return store.client.Ping(ctx).Err()
}

func (store *redisWindowStore) Close() error {
	return store.client.Close()
}

func decisionFromScript(scriptResult []int64, limit int, currentTime time.Time) (RateDecision, error) {
	if len(scriptResult) != 3 {
		return RateDecision{}, fmt.Errorf("redis rate check: unexpected reply length %d", len(scriptResult))
	}
	count, remainingMillis, admittedFlag := scriptResult[0], scriptResult[1], scriptResult[2]
	remaining := limit - int(count)
	if remaining < 0 || admittedFlag == 0 {
		remaining = 0
	}
	return RateDecision{
		Admitted:  admittedFlag == 1,
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   currentTime.Add(time.Duration(remainingMillis) * time.Millisecond),
	}, nil
}
