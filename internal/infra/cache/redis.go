// Package cache keeps polled analysis status in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bryanwahyu/medscan/internal/domain/analysis"
	"github.com/bryanwahyu/medscan/internal/domain/scans"
)

const (
	DefaultTTL = 30 * time.Second
	keyPrefix  = "medscan:status:"
)

var _ analysis.StatusCache = (*StatusCache)(nil)

type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

// Connect dials addr and pings it once.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx2).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

// New wraps client. ttl <= 0 uses DefaultTTL.
func New(client *redis.Client, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &StatusCache{client: client, ttl: ttl}
}

func Key(id scans.ScanID) string { return keyPrefix + string(id) }

func (c *StatusCache) Get(ctx context.Context, id scans.ScanID) (analysis.StatusView, bool, error) {
	raw, err := c.client.Get(ctx, Key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return analysis.StatusView{}, false, nil
	}
	if err != nil {
		return analysis.StatusView{}, false, fmt.Errorf("failed to get status: %w", err)
	}
	v, err := decode(raw)
	if err != nil {
		// entry rusak, anggap miss
		return analysis.StatusView{}, false, nil
	}
	return v, true, nil
}

func (c *StatusCache) Set(ctx context.Context, v analysis.StatusView) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, Key(v.ScanID), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	return nil
}

func (c *StatusCache) Invalidate(ctx context.Context, id scans.ScanID) error {
	if err := c.client.Del(ctx, Key(id)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate status: %w", err)
	}
	return nil
}

// Ping is used by the readiness check.
func (c *StatusCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *StatusCache) Close() error {
	return c.client.Close()
}

func decode(raw []byte) (analysis.StatusView, error) {
	var v analysis.StatusView
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, err
	}
	if v.ScanID == "" {
		return v, errors.New("status entry without scan id")
	}
	return v, nil
}
