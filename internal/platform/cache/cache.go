// Package cache provides a thin Redis wrapper used for short-lived response
// caching. A nil *Client behaves as a disabled cache, so callers never branch
// on whether Redis is configured.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/rs/zerolog"
)

// ErrMiss is returned by GetJSON when the key is absent, expired, or the
// cache is disabled.
var ErrMiss = errors.New("cache miss")

// Client wraps a Redis connection.
type Client struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// New connects to Redis and verifies the connection with a ping.
func New(host, port string, logger zerolog.Logger) (*Client, error) {
	addr := fmt.Sprintf("%s:%s", host, port)
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
		ReadTimeout: 5 * time.Second,
	})
	if err := rdb.Ping().Err(); err != nil {
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}

	l := logger.With().Str("component", "cache").Logger()
	l.Info().Str("addr", addr).Msg("redis cache connected")
	return &Client{rdb: rdb, logger: l}, nil
}

// GetJSON loads the cached value under key into dest.
func (c *Client) GetJSON(key string, dest interface{}) error {
	if c == nil {
		return ErrMiss
	}
	data, err := c.rdb.Get(key).Bytes()
	if err == redis.Nil {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode cached %s: %w", key, err)
	}
	return nil
}

// SetJSON stores v under key with the given TTL. Failures are logged and
// swallowed; a broken cache must never fail the request it shields.
func (c *Client) SetJSON(key string, v interface{}, ttl time.Duration) {
	if c == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		return
	}
	if err := c.rdb.Set(key, data, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// Delete removes keys from the cache.
func (c *Client) Delete(keys ...string) {
	if c == nil || len(keys) == 0 {
		return
	}
	if err := c.rdb.Del(keys...).Err(); err != nil {
		c.logger.Warn().Err(err).Strs("keys", keys).Msg("cache delete failed")
	}
}

// Healthy reports whether the cache answers a ping. A disabled cache is
// healthy by definition.
func (c *Client) Healthy() bool {
	if c == nil {
		return true
	}
	return c.rdb.Ping().Err() == nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}
