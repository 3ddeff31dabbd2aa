package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "stockledger:"

// Redis is a Cache backed by a go-redis client.
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedis parses redisURL, validates connectivity and returns the cache.
func NewRedis(ctx context.Context, redisURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	// Validate connectivity at startup
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{rdb: rdb, ttl: ttl, prefix: defaultPrefix}, nil
}

// WithPrefix returns a copy that namespaces its keys under prefix.
func (c *Redis) WithPrefix(prefix string) *Redis {
	cp := *c
	cp.prefix = prefix
	return &cp
}

func (c *Redis) indexKey() string { return c.prefix + "keys" }
func (c *Redis) genKey() string   { return c.prefix + "gen" }

func (c *Redis) Generation(ctx context.Context) (uint64, error) {
	return c.generation(ctx, c.rdb)
}

// getter is the part of *redis.Client and *redis.Tx that reads the generation.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (c *Redis) generation(ctx context.Context, cmd getter) (uint64, error) {
	gen, err := cmd.Get(ctx, c.genKey()).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *Redis) Get(ctx context.Context, key string, dest any) (bool, error) {
	val, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(val, dest); err != nil {
		return false, err
	}
	return true, nil
}

// Set writes under WATCH on the generation key, so an INCR from a
// concurrent Invalidate aborts the write.
func (c *Redis) Set(ctx context.Context, key string, value any, gen uint64) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	stored := false
	err = c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := c.generation(ctx, tx)
		if err != nil || cur != gen {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, c.prefix+key, data, c.ttl)
			p.SAdd(ctx, c.indexKey(), c.prefix+key)
			return nil
		})
		stored = err == nil
		return err
	}, c.genKey())
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	return stored, err
}

// Invalidate advances the generation before collecting keys. Any Set that
// committed earlier is already in the index, and any later one fails its
// generation check. Keys are removed from the index one by one so that an
// entry stored under the new generation stays tracked.
func (c *Redis) Invalidate(ctx context.Context) error {
	if err := c.rdb.Incr(ctx, c.genKey()).Err(); err != nil {
		return err
	}
	keys, err := c.rdb.SMembers(ctx, c.indexKey()).Result()
	if err != nil || len(keys) == 0 {
		return err
	}
	members := make([]any, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		p.SRem(ctx, c.indexKey(), members...)
		return nil
	})
	return err
}

func (c *Redis) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Redis) Close() error {
	return c.rdb.Close()
}
