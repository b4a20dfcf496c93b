// Package replycache stores RPC replies in Redis so that every server
// instance consuming a request queue can answer a redelivered request without
// running its handler again.
package replycache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-broker/messaging"
	"github.com/redis/go-redis/v9"
)

const (
	fieldBody        = "body"
	fieldContentType = "contentType"
)

// RedisCache implements messaging.ReplyCache with one hash per correlation ID
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Option configures the RedisCache
type Option func(*RedisCache)

// WithPrefix sets the key prefix
func WithPrefix(prefix string) Option {
	return func(c *RedisCache) {
		c.prefix = prefix
	}
}

// WithTTL sets how long replies are kept
func WithTTL(ttl time.Duration) Option {
	return func(c *RedisCache) {
		c.ttl = ttl
	}
}

// New creates a cache on client
func New(client redis.UniversalClient, options ...Option) *RedisCache {
	c := &RedisCache{
		client: client,
		prefix: "mmate:reply:",
		ttl:    10 * time.Minute,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// NewFromURL parses a redis:// URL and creates a cache on a new client
func NewFromURL(url string, options ...Option) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return New(redis.NewClient(opts), options...), nil
}

func (c *RedisCache) key(correlationID string) string {
	return c.prefix + correlationID
}

// Get implements messaging.ReplyCache
func (c *RedisCache) Get(ctx context.Context, correlationID string) (messaging.CachedReply, bool, error) {
	values, err := c.client.HGetAll(ctx, c.key(correlationID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return messaging.CachedReply{}, false, nil
		}
		return messaging.CachedReply{}, false, fmt.Errorf("failed to read cached reply: %w", err)
	}

	body, ok := values[fieldBody]
	if !ok {
		return messaging.CachedReply{}, false, nil
	}
	return messaging.CachedReply{
		Body:        []byte(body),
		ContentType: values[fieldContentType],
	}, true, nil
}

// Set implements messaging.ReplyCache
func (c *RedisCache) Set(ctx context.Context, correlationID string, reply messaging.CachedReply) error {
	key := c.key(correlationID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldBody, reply.Body, fieldContentType, reply.ContentType)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cache reply: %w", err)
	}
	return nil
}

// Ping checks the connection to Redis
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (c *RedisCache) Close() error {
	return c.client.Close()
}

var _ messaging.ReplyCache = (*RedisCache)(nil)
