// Package store is the thin protocol layer kvdash talks to: a handful of
// primitive verbs against one Redis-compatible server, implemented on
// top of go-redis.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is one live handle to a store. Select changes the database all
// later calls on the same handle target.
type Client interface {
	Ping(ctx context.Context) error
	Select(ctx context.Context, db int) error
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) (int64, error)
	Scan(ctx context.Context, cursor uint64, match string, count int64) (keys []string, next uint64, err error)
	Info(ctx context.Context, sections ...string) (string, error)
	DBSize(ctx context.Context) (int64, error)
	FlushDB(ctx context.Context) error
	FlushAll(ctx context.Context) error
	Close() error
}

// RedisClient adapts *redis.Client to Client.
//
// go-redis pools connections, so SELECT cannot be issued on a pooled
// connection without leaking the choice to whichever connection runs it
// next. Select therefore builds a fresh client bound to the new database
// and swaps it in once it answers a ping.
type RedisClient struct {
	mu   sync.RWMutex
	opts *redis.Options
	rdb  *redis.Client
}

// NewRedisClient creates the handle. go-redis dials lazily; nothing is
// sent until the first command.
func NewRedisClient(opts *redis.Options) *RedisClient {
	return &RedisClient{opts: opts, rdb: redis.NewClient(opts)}
}

func (c *RedisClient) client() *redis.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rdb
}

func (c *RedisClient) Ping(ctx context.Context) error {
	return c.client().Ping(ctx).Err()
}

func (c *RedisClient) Select(ctx context.Context, db int) error {
	c.mu.RLock()
	if c.opts.DB == db {
		c.mu.RUnlock()
		return nil
	}
	next := *c.opts
	c.mu.RUnlock()

	next.DB = db
	rdb := redis.NewClient(&next)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("select db %d: %w", db, err)
	}

	c.mu.Lock()
	old := c.rdb
	c.rdb = rdb
	c.opts = &next
	c.mu.Unlock()
	return old.Close()
}

func (c *RedisClient) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client().Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *RedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client().Set(ctx, key, value, ttl).Err()
}

func (c *RedisClient) Del(ctx context.Context, key string) (int64, error) {
	return c.client().Del(ctx, key).Result()
}

func (c *RedisClient) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	return c.client().Scan(ctx, cursor, match, count).Result()
}

func (c *RedisClient) Info(ctx context.Context, sections ...string) (string, error) {
	return c.client().Info(ctx, sections...).Result()
}

func (c *RedisClient) DBSize(ctx context.Context) (int64, error) {
	return c.client().DBSize(ctx).Result()
}

func (c *RedisClient) FlushDB(ctx context.Context) error {
	return c.client().FlushDB(ctx).Err()
}

func (c *RedisClient) FlushAll(ctx context.Context) error {
	return c.client().FlushAll(ctx).Err()
}

func (c *RedisClient) Close() error {
	return c.client().Close()
}
