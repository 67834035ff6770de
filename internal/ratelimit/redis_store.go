package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript increments the counter and starts its expiry on the first
// hit of a window, returning the count and the remaining TTL in ms.
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore shares counters between processes. The Lua script makes the
// increment and expiry a single atomic step on the server.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. Keys are namespaced by prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "chatrelay:ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisClient builds a client from a comma-separated list of redis URLs.
// More than one address yields a cluster client.
func NewRedisClient(ctx context.Context, rawURL string) (redis.UniversalClient, error) {
	if rawURL == "" {
		return nil, errors.New("redis URL must be provided")
	}

	opts := &redis.UniversalOptions{}
	for _, part := range strings.Split(rawURL, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "://") {
			opts.Addrs = append(opts.Addrs, part)
			continue
		}
		parsed, err := redis.ParseURL(part)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}
		opts.Addrs = append(opts.Addrs, parsed.Addr)
		if opts.Username == "" {
			opts.Username = parsed.Username
		}
		if opts.Password == "" {
			opts.Password = parsed.Password
		}
		if opts.DB == 0 {
			opts.DB = parsed.DB
		}
	}
	if len(opts.Addrs) > 1 {
		opts.DB = 0
	}

	client := redis.NewUniversalClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Increment implements Store
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	values, err := incrementScript.Run(ctx, s.client, []string{s.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis increment: %w", err)
	}
	if len(values) != 2 {
		return 0, time.Time{}, fmt.Errorf("redis increment: unexpected reply %v", values)
	}
	return int(values[0]), now.Add(time.Duration(values[1]) * time.Millisecond), nil
}

// Peek implements Store
func (s *RedisStore) Peek(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, s.prefix+key)
	ttlCmd := pipe.PTTL(ctx, s.prefix+key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, time.Time{}, fmt.Errorf("redis peek: %w", err)
	}

	count, err := getCmd.Int()
	if errors.Is(err, redis.Nil) {
		return 0, now.Add(window), nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis peek: %w", err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = window
	}
	return count, now.Add(ttl), nil
}
