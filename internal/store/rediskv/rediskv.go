// Package rediskv implements [store.KV] on redis.
package rediskv

import (
	"context"
	"time"

	"github.com/DominicWuest/perfscepter/pkg/store"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Config configures the redis connection.
type Config struct {
	Addr      string `yaml:"addr" validate:"required"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix" default:"perfscepter:"` // Prepended to every key
}

// incr increments KEYS[1] and sets its expiry of ARGV[1] milliseconds if it was just created.
var incr = redis.NewScript(`
	local n = redis.call("incr", KEYS[1])
	if n == 1 and tonumber(ARGV[1]) > 0 then
		redis.call("pexpire", KEYS[1], ARGV[1])
	end
	return n
`)

// KV is a [store.KV] on redis.
type KV struct {
	rdb    redis.UniversalClient
	prefix string
}

// Open connects to the redis server configured by cfg.
func Open(ctx context.Context, cfg Config) (*KV, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "could not connect to redis at %s", cfg.Addr)
	}
	return New(rdb, cfg.KeyPrefix), nil
}

// New returns a KV on rdb with every key prefixed by prefix.
func New(rdb redis.UniversalClient, prefix string) *KV {
	return &KV{rdb: rdb, prefix: prefix}
}

// Close closes the connection.
func (k *KV) Close() error {
	return k.rdb.Close()
}

func (k *KV) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := k.rdb.Get(ctx, k.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(store.ErrNotFound, "key %s", key)
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to get key %s", key)
	}
	return value, nil
}

func (k *KV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := k.rdb.Set(ctx, k.prefix+key, value, max(ttl, 0)).Err(); err != nil {
		return errors.Wrapf(err, "failed to set key %s", key)
	}
	return nil
}

func (k *KV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incr.Run(ctx, k.rdb, []string{k.prefix + key}, max(ttl, 0).Milliseconds()).Int64()
	if err != nil {
		return 0, errors.Wrapf(err, "failed to increment key %s", key)
	}
	return n, nil
}

func (k *KV) Delete(ctx context.Context, key string) error {
	if err := k.rdb.Del(ctx, k.prefix+key).Err(); err != nil {
		return errors.Wrapf(err, "failed to delete key %s", key)
	}
	return nil
}
