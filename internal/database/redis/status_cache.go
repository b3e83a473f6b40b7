// Package redis caches the latest computed risk snapshot per subaccount so
// the status API does not depend on the feed being mid-update.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const statusKey = "subaccount:status:%s"

// Client wraps the go-redis client used by the caches.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewClient connects and pings the redis server.
func NewClient(addr, password string, db int, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Client{rdb: rdb, logger: logger}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// StatusCache stores the most recent risk snapshot per subaccount.
type StatusCache struct {
	client *Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewStatusCache builds a cache with the given entry TTL. A zero ttl keeps
// entries for five minutes.
func NewStatusCache(client *Client, ttl time.Duration, logger *zap.Logger) *StatusCache {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &StatusCache{client: client, ttl: ttl, logger: logger}
}

// SetStatus stores the snapshot, replacing any previous entry. Cache write
// failures are logged and swallowed: the cache is advisory.
func (s *StatusCache) SetStatus(ctx context.Context, subaccountID uuid.UUID, status any) {
	raw, err := json.Marshal(status)
	if err != nil {
		s.logger.Warn("failed to marshal subaccount status", zap.Error(err))
		return
	}
	key := fmt.Sprintf(statusKey, subaccountID)
	if err := s.client.rdb.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		s.logger.Warn("failed to cache subaccount status",
			zap.String("subaccount_id", subaccountID.String()), zap.Error(err))
	}
}

// GetStatus loads the latest snapshot into dest. Returns false when no entry
// exists or the entry expired.
func (s *StatusCache) GetStatus(ctx context.Context, subaccountID uuid.UUID, dest any) (bool, error) {
	key := fmt.Sprintf(statusKey, subaccountID)
	raw, err := s.client.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode cached status: %w", err)
	}
	return true, nil
}

// DeleteStatus removes the cached snapshot, used when a subaccount is removed.
func (s *StatusCache) DeleteStatus(ctx context.Context, subaccountID uuid.UUID) {
	key := fmt.Sprintf(statusKey, subaccountID)
	if err := s.client.rdb.Del(ctx, key).Err(); err != nil {
		s.logger.Warn("failed to drop cached subaccount status",
			zap.String("subaccount_id", subaccountID.String()), zap.Error(err))
	}
}
