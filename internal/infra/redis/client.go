package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps the Redis operations shared by paywatch instances: the inbound
// webhook replay cache and the poller tick lock.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration.
type Config struct {
	URL       string `yaml:"url"`
	Password  string `yaml:"password"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Enabled reports whether a Redis URL is configured.
func (c Config) Enabled() bool {
	return c.URL != ""
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "paywatch"
	}
	return &Client{rdb: rdb, prefix: prefix}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func (c *Client) signatureKey(signature string) string {
	return fmt.Sprintf("%s:webhook-sig:%s", c.prefix, signature)
}

func (c *Client) lockKey(name string) string {
	return fmt.Sprintf("%s:lock:%s", c.prefix, name)
}

// -----------------------------------------------------------------------------
// Replay cache
// -----------------------------------------------------------------------------

// ReplayCache remembers accepted inbound webhook signatures across instances.
type ReplayCache struct {
	client *Client
}

// NewReplayCache returns a replay cache stored under the client's key prefix.
func NewReplayCache(client *Client) *ReplayCache {
	return &ReplayCache{client: client}
}

// Seen reports whether the signature was recorded and has not expired.
func (r *ReplayCache) Seen(ctx context.Context, signature string) (bool, error) {
	n, err := r.client.rdb.Exists(ctx, r.client.signatureKey(signature)).Result()
	if err != nil {
		return false, fmt.Errorf("exists failed: %w", err)
	}
	return n > 0, nil
}

// Record stores the signature for ttl. It returns false when another request
// recorded it first.
func (r *ReplayCache) Record(ctx context.Context, signature string, ttl time.Duration) (bool, error) {
	ok, err := r.client.rdb.SetNX(ctx, r.client.signatureKey(signature), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// -----------------------------------------------------------------------------
// Tick lock
// -----------------------------------------------------------------------------

// Lock is a named lease that lets one instance at a time run a critical
// section, such as a poller tick.
type Lock struct {
	client *Client
	name   string
	token  string
	ttl    time.Duration
}

// NewLock creates a lease. token identifies the holder and must be unique per
// process.
func NewLock(client *Client, name, token string, ttl time.Duration) *Lock {
	return &Lock{client: client, name: name, token: token, ttl: ttl}
}

// Acquire attempts to take the lease.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.rdb.SetNX(ctx, l.client.lockKey(l.name), l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Extend renews the lease for another ttl. It returns false when this holder
// no longer owns it.
func (l *Lock) Extend(ctx context.Context) (bool, error) {
	n, err := extendScript.Run(ctx, l.client.rdb, []string{l.client.lockKey(l.name)}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("extend failed: %w", err)
	}
	return n == 1, nil
}

// Release drops the lease if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.client.rdb, []string{l.client.lockKey(l.name)}, l.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release failed: %w", err)
	}
	return nil
}
