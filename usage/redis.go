package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// consumeScript runs the whole consume state machine server-side so that the
// check-and-increment is a single atomic step per trace.
var consumeScript = redis.NewScript(`
local rec = redis.call('HMGET', KEYS[1], 'used', 'limit', 'exp')
local now = tonumber(ARGV[3])
if rec[1] then
  if now > tonumber(rec[3]) then
    redis.call('DEL', KEYS[1])
    return 'expired'
  end
  if tonumber(rec[1]) >= tonumber(rec[2]) then
    return 'exhausted'
  end
  redis.call('HINCRBY', KEYS[1], 'used', 1)
  return 'ok'
end
local exp = tonumber(ARGV[2])
if now > exp then
  return 'expired'
end
redis.call('HSET', KEYS[1], 'used', 1, 'limit', ARGV[1], 'exp', ARGV[2])
redis.call('EXPIREAT', KEYS[1], exp + 1)
return 'ok'
`)

// RedisConfig holds connection settings for a Redis-backed Store.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix namespaces trace keys, e.g. "ekey:trace:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore is a Store backed by a shared Redis instance, for deployments
// where more than one verifier must agree on usage counts.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ekey:trace:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("could not connect to redis: %w", err)
	}
	return &RedisStore{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewRedisStoreWithClient wraps an existing client (used in tests).
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "ekey:trace:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) Consume(ctx context.Context, trace string, limit int, exp, now int64) error {
	res, err := consumeScript.Run(ctx, s.client, []string{s.keyPrefix + trace}, limit, exp, now).Text()
	if err != nil {
		return fmt.Errorf("consume script failed: %w", err)
	}
	switch res {
	case "ok":
		return nil
	case "expired":
		return ErrTokenExpired
	case "exhausted":
		return ErrLimitExhausted
	}
	return fmt.Errorf("unexpected consume result %q", res)
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
