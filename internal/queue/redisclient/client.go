package redisclient

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	redisdb *redis.Client
}

type Config struct {
	Addr     string
	Password string
	DB       int
}

func New(cfg Config) *Client {
	redisdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	return &Client{redisdb: redisdb}
}

// Ping checks redis connectivity; used by readiness.

func (c *Client) Ping(ctx context.Context) error {
	return c.redisdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.redisdb.Close()
}

const workerHealthKey = "rpa:worker_health"

// CacheWorkerHealth publishes the registry's latest health map so other
// orchestrator instances (and dashboards) can read it without probing the
// workers themselves. TTL keeps a dead orchestrator from leaving stale
// health behind.

func (c *Client) CacheWorkerHealth(ctx context.Context, health map[string]string, ttl time.Duration) error {
	b, err := json.Marshal(health)

	if err != nil {
		return err
	}

	return c.redisdb.Set(ctx, workerHealthKey, b, ttl).Err()
}

func (c *Client) CachedWorkerHealth(ctx context.Context) (map[string]string, error) {
	b, err := c.redisdb.Get(ctx, workerHealthKey).Bytes()

	if err != nil {
		return nil, err
	}

	var out map[string]string

	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}

	return out, nil
}

// Raw exposes the underlying client.

func (c *Client) Raw() *redis.Client {
	return c.redisdb
}
