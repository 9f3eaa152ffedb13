// Package redis holds the optional Redis connection used to serialize scans.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/redis/go-redis/v9"
)

const connectTimeout = 5 * time.Second

type Config struct {
	Addr     string
	Password string
	DB       int
}

func (c Config) options() *redis.Options {
	return &redis.Options{
		Addr:        c.Addr,
		Password:    c.Password,
		DB:          c.DB,
		DialTimeout: connectTimeout,
	}
}

// Client is the connection shared by the scan Locker and the health check.
type Client struct {
	rdb    redis.UniversalClient
	logger ectologger.Logger
}

// NewClient connects and fails fast when Redis is unreachable, so startup can retry.
func NewClient(ctx context.Context, cfg Config, logger ectologger.Logger) (*Client, error) {
	c := &Client{rdb: redis.NewClient(cfg.options()), logger: logger}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", cfg.Addr, err)
	}

	logger.WithField("addr", cfg.Addr).Info("Connected to Redis")
	return c, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping matches health.PingFunc.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
