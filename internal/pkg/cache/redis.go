package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Options struct {
	Address  string
	Username string
	Password string
	Database int
}

type CacheClient interface {
	Client() *redis.Client
	Ping(ctx context.Context) error
	Close() error
}

type cacheClient struct {
	client *redis.Client
}

// NewCacheClient creates a new redis backed cache client.
func NewCacheClient(opts Options) CacheClient {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.Database,
	})

	return &cacheClient{
		client: client,
	}
}

// Client returns the underlying redis client.
func (c *cacheClient) Client() *redis.Client {
	return c.client
}

// Ping checks that the server is reachable.
func (c *cacheClient) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach cache server: %w", err)
	}
	return nil
}

// Close closes the cache client.
func (c *cacheClient) Close() error {
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			return fmt.Errorf("failed to close cache client: %w", err)
		}
	}
	return nil
}
