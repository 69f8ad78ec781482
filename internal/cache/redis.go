// Package cache publishes read models to Redis for external readers.
package cache

import (
	"PerpClearing/internal/core"
	"PerpClearing/internal/state"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned for keys that are absent or expired.
var ErrNotFound = errors.New("cache: not found")

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr     string
	Password string
	DB       int
}

// Connect creates a client and pings it.
func Connect(ctx context.Context, cfg ClientConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// SummaryCache stores market summaries and liquidation candidates.
//
// Key schema:
//
//	perp:summary:{market}      - JSON core.MarketSummary, expires after ttl
//	perp:liquidatable:{market} - set of account ids from the last sweep
type SummaryCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewSummaryCache(rdb *redis.Client, ttl time.Duration) *SummaryCache {
	return &SummaryCache{rdb: rdb, ttl: ttl}
}

func summaryKey(market string) string      { return "perp:summary:" + market }
func liquidatableKey(market string) string { return "perp:liquidatable:" + market }

// Put stores the summary of its market.
func (c *SummaryCache) Put(ctx context.Context, s *core.MarketSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("redis: marshal summary %s: %w", s.MarketID, err)
	}
	if err := c.rdb.Set(ctx, summaryKey(s.MarketID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set summary %s: %w", s.MarketID, err)
	}
	return nil
}

// Get returns the cached summary of market.
func (c *SummaryCache) Get(ctx context.Context, market string) (*core.MarketSummary, error) {
	data, err := c.rdb.Get(ctx, summaryKey(market)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis: get summary %s: %w", market, err)
	}
	var s core.MarketSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("redis: unmarshal summary %s: %w", market, err)
	}
	return &s, nil
}

// SetLiquidatable replaces the liquidation candidates of market.
func (c *SummaryCache) SetLiquidatable(ctx context.Context, market string, accounts []state.AccountID) error {
	key := liquidatableKey(market)
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(accounts) > 0 {
		members := make([]interface{}, len(accounts))
		for i, a := range accounts {
			members[i] = a.String()
		}
		pipe.SAdd(ctx, key, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set liquidatable %s: %w", market, err)
	}
	return nil
}

// Liquidatable returns the candidates stored by the last sweep.
func (c *SummaryCache) Liquidatable(ctx context.Context, market string) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, liquidatableKey(market)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get liquidatable %s: %w", market, err)
	}
	return members, nil
}
