// Package ratelimit provides Redis-backed throttling using the INCR + EXPIRE
// window algorithm. The fixture server applies it per sender so one runaway
// client cannot flood a conversation or the upload endpoint.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines one throttling policy: the Redis key prefix, maximum number of
// actions allowed in the window, and the window duration.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleSend allows 20 message sends per 10 seconds per sender.
	RuleSend = Rule{Key: "rl:send:", Limit: 20, Window: 10 * time.Second}

	// RuleUpload allows 10 uploads per minute per user.
	RuleUpload = Rule{Key: "rl:upload:", Limit: 10, Window: 1 * time.Minute}

	// RuleToggle allows 30 reaction toggles per minute per user.
	RuleToggle = Rule{Key: "rl:toggle:", Limit: 30, Window: 1 * time.Minute}
)

// Limiter performs throttling checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the identifier is within the limit defined by rule. It
// increments the counter and sets the expiry on first access.
//
// Returns true if the action is allowed, false if throttled. On Redis errors
// the method fails open so a Redis outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The key exists but has no TTL — best effort delete so it does
			// not block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns the number of actions the identifier has left in the
// current window. Returns the full limit if the key does not exist yet and
// fails open on Redis errors.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
