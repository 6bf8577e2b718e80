package counter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// incrWithTTL increments a key and arms its expiry only on the first
// increment of the window, as a single server-side operation.
var incrWithTTL = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if v == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return v
`)

// saddWithTTL adds a member and arms the set's expiry when the set is
// created by this add. Returns the resulting cardinality.
var saddWithTTL = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[2])
local card = redis.call('SCARD', KEYS[1])
if added == 1 and card == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return card
`)

// checkAndIncr admits the caller only when every counter is below its
// ceiling, then increments all of them. ARGV holds (max, ttl) pairs.
var checkAndIncr = redis.NewScript(`
for i, key in ipairs(KEYS) do
  local max = tonumber(ARGV[(i-1)*2+1])
  local cur = tonumber(redis.call('GET', key) or '0')
  if cur >= max then
    return 0
  end
end
for i, key in ipairs(KEYS) do
  local ttl = tonumber(ARGV[(i-1)*2+2])
  local v = redis.call('INCR', key)
  if v == 1 then
    redis.call('EXPIRE', key, ttl)
  end
end
return 1
`)

// RedisStore implements Store on a Redis instance shared across
// processes, so windows and mitigation markers survive restarts.
type RedisStore struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisStore{
		rdb:    rdb,
		logger: logger.With().Str("component", "redis_counters").Logger(),
	}, nil
}

func (s *RedisStore) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	v, err := incrWithTTL.Run(ctx, s.rdb, []string{key}, int(ttl.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("incrementing %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) IncrementBatch(ctx context.Context, incs []Increment) error {
	pipe := s.rdb.TxPipeline()
	for _, inc := range incs {
		incrWithTTL.Run(ctx, pipe, []string{inc.Key}, int(inc.TTL.Seconds()))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("incrementing batch of %d: %w", len(incs), err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, bool, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading %s: %w", key, err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("counter %s holds non-integer %q", key, val)
	}
	return n, true, nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) GetValue(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetAdd(ctx context.Context, key, member string, ttl time.Duration) (int64, error) {
	card, err := saddWithTTL.Run(ctx, s.rdb, []string{key}, int(ttl.Seconds()), member).Int64()
	if err != nil {
		return 0, fmt.Errorf("adding to set %s: %w", key, err)
	}
	return card, nil
}

func (s *RedisStore) SetCardinality(ctx context.Context, key string) (int64, error) {
	card, err := s.rdb.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("reading set %s: %w", key, err)
	}
	return card, nil
}

func (s *RedisStore) CheckAndIncrement(ctx context.Context, limits []Limit) (bool, error) {
	keys := make([]string, 0, len(limits))
	args := make([]interface{}, 0, len(limits)*2)
	for _, l := range limits {
		keys = append(keys, l.Key)
		args = append(args, l.Max, int(l.TTL.Seconds()))
	}
	res, err := checkAndIncr.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("check-and-increment: %w", err)
	}
	return res == 1, nil
}

// Close releases the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
