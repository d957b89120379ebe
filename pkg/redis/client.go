// Package redis provides the Redis client backing the event histogram and
// developer override stores
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cmdable is the subset of Redis commands used by the stores.
// *goredis.Client satisfies it.
type Cmdable interface {
	Ping(ctx context.Context) *goredis.StatusCmd
	HGet(ctx context.Context, key, field string) *goredis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *goredis.IntCmd
	ZAdd(ctx context.Context, key string, members ...goredis.Z) *goredis.IntCmd
	ZCount(ctx context.Context, key, min, max string) *goredis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *goredis.IntCmd
	SIsMember(ctx context.Context, key string, member interface{}) *goredis.BoolCmd
	Close() error
}

// Client wraps a Redis connection
type Client struct {
	cmd     Cmdable
	address string
}

// New creates a new Redis client from a URL
func New(redisURL string) (*Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is empty")
	}

	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := NewWithCmdable(goredis.NewClient(opts), opts.Addr)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		log.Warn().Err(err).Str("address", opts.Addr).Msg("Redis connection test failed")
		// Don't fail - commands are retried on each request
	} else {
		log.Info().Str("address", opts.Addr).Msg("Redis connected")
	}

	return client, nil
}

// NewWithCmdable wraps an existing command implementation
func NewWithCmdable(cmd Cmdable, address string) *Client {
	return &Client{cmd: cmd, address: address}
}

// Address returns the server address
func (c *Client) Address() string {
	return c.address
}

// Ping tests the connection
func (c *Client) Ping(ctx context.Context) error {
	result, err := c.cmd.Ping(ctx).Result()
	if err != nil {
		return err
	}
	if result != "PONG" {
		return fmt.Errorf("unexpected PING response: %v", result)
	}
	return nil
}

// HGet gets a hash field value. found is false when the field is absent.
func (c *Client) HGet(ctx context.Context, key, field string) (value string, found bool, err error) {
	value, err = c.cmd.HGet(ctx, key, field).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// HSet sets a hash field value
func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	return c.cmd.HSet(ctx, key, field, value).Err()
}

// HDel removes hash fields
func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return c.cmd.HDel(ctx, key, fields...).Err()
}

// ZAdd adds member to a sorted set with the given score
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.cmd.ZAdd(ctx, key, goredis.Z{Score: score, Member: member}).Err()
}

// ZCount counts sorted set members with min <= score <= max
func (c *Client) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	return c.cmd.ZCount(ctx, key, formatScore(min), formatScore(max)).Result()
}

// SAdd adds members to a set
func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.cmd.SAdd(ctx, key, args...).Err()
}

// SIsMember reports whether member belongs to the set
func (c *Client) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return c.cmd.SIsMember(ctx, key, member).Result()
}

// Close closes the connection
func (c *Client) Close() error {
	return c.cmd.Close()
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
