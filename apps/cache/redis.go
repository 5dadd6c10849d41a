// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// DefaultKeyPrefix namespaces cache keys in a shared Redis.
	DefaultKeyPrefix = "adal:cache:"

	scanCount = 100
)

// RedisOptions configures NewRedis.
type RedisOptions struct {
	// Addrs is a single address, a cluster seed list, or sentinel addresses when
	// MasterName is set.
	Addrs      []string
	MasterName string
	Username   string
	Password   string
	DB         int

	// KeyPrefix is prepended to every key. It must not contain glob characters.
	// Defaults to DefaultKeyPrefix.
	KeyPrefix string
	// TTL expires entries that were not rewritten in time. Zero keeps them forever.
	TTL time.Duration

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Redis is a Backend storing values in Redis.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

var _ Backend = (*Redis)(nil)

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if len(opts.Addrs) == 0 {
		return nil, errors.New("redis cache requires at least one address")
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        opts.Addrs,
		MasterName:   opts.MasterName,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisWithClient(client, opts.KeyPrefix, opts.TTL), nil
}

// NewRedisWithClient returns a Redis backend using a pre-configured client.
func NewRedisWithClient(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *Redis {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Redis{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// Read implements Backend.Read().
func (r *Redis) Read(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.keyPrefix+key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("reading cache entry from redis: %w", err)
	}
	return v, true, nil
}

// Write implements Backend.Write().
func (r *Redis) Write(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.keyPrefix+key, value, r.ttl).Err(); err != nil {
		return fmt.Errorf("writing cache entry to redis: %w", err)
	}
	return nil
}

// Delete implements Backend.Delete().
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("deleting cache entry from redis: %w", err)
	}
	return nil
}

// DeleteAll implements Backend.DeleteAll().
func (r *Redis) DeleteAll(ctx context.Context) error {
	keys, err := r.scan(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	// One DEL per key so cluster pipelines can route each to its slot.
	pipe := r.client.Pipeline()
	for _, k := range keys {
		pipe.Del(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting cache entries from redis: %w", err)
	}
	return nil
}

// Keys implements Backend.Keys().
func (r *Redis) Keys(ctx context.Context) ([]string, error) {
	full, err := r.scan(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(full))
	for _, k := range full {
		keys = append(keys, k[len(r.keyPrefix):])
	}
	return keys, nil
}

// scan returns the full redis keys under the prefix. A cluster is scanned master by master.
func (r *Redis) scan(ctx context.Context) ([]string, error) {
	cc, ok := r.client.(*redis.ClusterClient)
	if !ok {
		return r.scanNode(ctx, r.client)
	}

	var (
		mu   sync.Mutex
		keys []string
	)
	err := cc.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
		nk, err := r.scanNode(ctx, node)
		if err != nil {
			return err
		}
		mu.Lock()
		keys = append(keys, nk...)
		mu.Unlock()
		return nil
	})
	return keys, err
}

func (r *Redis) scanNode(ctx context.Context, c redis.Cmdable) ([]string, error) {
	var keys []string
	iter := c.Scan(ctx, 0, r.keyPrefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("listing cache entries in redis: %w", err)
	}
	return keys, nil
}

// Close implements Backend.Close().
func (r *Redis) Close() error {
	return r.client.Close()
}
