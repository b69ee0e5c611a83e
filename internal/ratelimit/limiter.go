// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. The gateway uses it to throttle sends and joins per
// connection and upgrades per client address.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:send:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleSend allows 5 messages per 10 seconds per connection.
	RuleSend = Rule{Key: "rl:send:", Limit: 5, Window: 10 * time.Second}

	// RuleJoin allows 20 room joins per minute per connection.
	RuleJoin = Rule{Key: "rl:join:", Limit: 20, Window: 1 * time.Minute}

	// RuleConnect allows 30 WebSocket upgrades per minute per client address.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 30, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    *zap.SugaredLogger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, log *zap.SugaredLogger) *Limiter {
	return &Limiter{client: client, log: log.Named("ratelimit")}
}

// Allow checks whether identifier is within rule. It increments the counter
// and sets the expiry on first access.
//
// On Redis errors it fails open (returns true with the error) so that a Redis
// outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warnw("incr failed, failing open", "key", key, "error", err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warnw("expire failed, failing open", "key", key, "error", err)
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// RetryAfter returns how long until identifier's window under rule resets,
// rounded up to whole seconds. It returns the full window when unknown.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.TTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl <= 0 {
		return rule.Window
	}
	return (ttl + time.Second - 1).Truncate(time.Second)
}

// Remaining returns the number of requests the identifier has left in the
// current window. It returns the full limit if the key does not exist yet or
// Redis fails.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warnw("get failed, failing open", "key", key, "error", err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
