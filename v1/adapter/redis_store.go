package adapter

import (
	"context"
	stdErrors "errors"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	rqerrors "github.com/mirkobrombin/go-redqueue/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// setIfAbsentScript stores ARGV[1] (with an optional PX of ARGV[2]) only when
// the key is missing, and answers with whatever the key holds afterwards.
var setIfAbsentScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
    return cur
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
    redis.call("SET", KEYS[1], ARGV[1], "PX", ttl)
else
    redis.call("SET", KEYS[1], ARGV[1])
end
return ARGV[1]
`)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// RedisStore implements Store using a Redis backend.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout}
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func redisErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return rqerrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return rqerrors.ErrConnectionClosed
	}
	return err
}

func checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return rqerrors.ErrTimeout
		}
		return err
	}
	return nil
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := checkCtx(ctx); err != nil {
		return "", false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	v, err := s.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, redisErr(err)
	}
	return v, true, nil
}

// Set implements Store.Set.
func (s *RedisStore) Set(ctx context.Context, key string, value string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Set(cctx, key, value, 0).Err(); err != nil {
		return redisErr(err)
	}
	return nil
}

// SetIfAbsentGetPrevious implements Store.SetIfAbsentGetPrevious with a
// single server-side script, so the check and the write cannot interleave
// with another client.
func (s *RedisStore) SetIfAbsentGetPrevious(ctx context.Context, key, value string, ttl time.Duration) (string, error) {
	if err := checkCtx(ctx); err != nil {
		return "", err
	}
	var px int64
	if ttl > 0 {
		px = ttl.Milliseconds()
		if px == 0 {
			px = 1
		}
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	v, err := setIfAbsentScript.Run(cctx, s.client, []string{key}, value, px).Text()
	if err != nil {
		return "", redisErr(err)
	}
	return v, nil
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Del(cctx, key).Err(); err != nil {
		return redisErr(err)
	}
	return nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := checkCtx(ctx); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := delScript.Run(cctx, s.client, []string{key}, expected).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, redisErr(err)
	}
	return n > 0, nil
}

// Keys implements Store.Keys using SCAN to iterate over keys.
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	match := globEscape(prefix) + "*"
	var cursor uint64
	var keys []string
	for {
		batch, next, err := s.client.Scan(cctx, cursor, match, 100).Result()
		if err != nil {
			return nil, redisErr(err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	if err := checkCtx(cctx); err != nil {
		return nil, err
	}
	return keys, nil
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func globEscape(s string) string {
	return globReplacer.Replace(s)
}
