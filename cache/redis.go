package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments an integer counter, applying the TTL only when this
// call creates the key. KEYS[1]=key, ARGV[1]=amount, ARGV[2]=ttl ms (0 = no
// expiry on create).
var incrScript = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if v == tonumber(ARGV[1]) and tonumber(ARGV[2]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return v
`)

// decrBoundedScript subtracts ARGV[1] from the float at KEYS[1] only when
// the result stays at or above ARGV[2]. Preserves the key's TTL. Returns
// {current value as string, 1 if applied else 0}.
var decrBoundedScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local next = cur - tonumber(ARGV[1])
if next < tonumber(ARGV[2]) then
  return {tostring(cur), 0}
end
local ttl = redis.call('PTTL', KEYS[1])
redis.call('SET', KEYS[1], tostring(next))
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {tostring(next), 1}
`)

// RedisStore implements Store on a Redis client. All cross-instance state
// (budgets, rate counters, bandit checkpoints) lives here.
type RedisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	// Client is the go-redis client to use. Required.
	Client redis.UniversalClient

	// OpTimeout bounds each store operation. Defaults to 250ms; the layer
	// above treats a slow backend the same as an absent one.
	OpTimeout time.Duration
}

// NewRedisStore wraps a go-redis client as a Store.
func NewRedisStore(opts RedisOptions) *RedisStore {
	timeout := opts.OpTimeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &RedisStore{client: opts.Client, timeout: timeout}
}

func (r *RedisStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ErrTransientStore
	}
	return val, true, nil
}

// Set implements Store.
func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return ErrTransientStore
	}
	return nil
}

// SetNX implements Store.
func (r *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, ErrTransientStore
	}
	return ok, nil
}

// Incr implements Store using a script so the TTL lands atomically with
// counter creation.
func (r *RedisStore) Incr(ctx context.Context, key string, amount int64, ttlOnCreate time.Duration) (int64, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	res, err := incrScript.Run(ctx, r.client, []string{key}, amount, ttlOnCreate.Milliseconds()).Int64()
	if err != nil {
		return 0, ErrTransientStore
	}
	return res, nil
}

// IncrFloat implements Store.
func (r *RedisStore) IncrFloat(ctx context.Context, key string, amount float64) (float64, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	res, err := r.client.IncrByFloat(ctx, key, amount).Result()
	if err != nil {
		return 0, ErrTransientStore
	}
	return res, nil
}

// DecrBounded implements Store via a Lua script: the check and the write are
// one atomic step on the server, so concurrent spenders can never drive the
// ledger below the floor.
func (r *RedisStore) DecrBounded(ctx context.Context, key string, amount, floor float64) (float64, bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	res, err := decrBoundedScript.Run(ctx, r.client, []string{key},
		strconv.FormatFloat(amount, 'f', -1, 64),
		strconv.FormatFloat(floor, 'f', -1, 64)).Slice()
	if err != nil || len(res) != 2 {
		return 0, false, ErrBudgetUnknown
	}
	raw, _ := res[0].(string)
	value, perr := strconv.ParseFloat(raw, 64)
	if perr != nil {
		return 0, false, ErrBudgetUnknown
	}
	applied, _ := res[1].(int64)
	return value, applied == 1, nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return ErrTransientStore
	}
	return nil
}

// Ping implements Store.
func (r *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return ErrTransientStore
	}
	return nil
}
