package query

import (
	"PerpVault/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "perpvault"

// CachedReader wraps the projection-backed queries with a Redis read-through cache.
// Projections only move forward, so entries expire by TTL rather than being
// invalidated on every event; InvalidateAccount drops an account's entries early.
type CachedReader struct {
	qs      *QueryService
	rdb     *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewCachedReader(qs *QueryService, rdb *redis.Client, ttl time.Duration, metrics *observability.Metrics, log zerolog.Logger) *CachedReader {
	return &CachedReader{qs: qs, rdb: rdb, ttl: ttl, metrics: metrics, log: log}
}

// GetPositions is QueryService.GetPositions through the cache.
func (c *CachedReader) GetPositions(ctx context.Context, account string) ([]PositionResponse, error) {
	var out []PositionResponse
	err := c.readThrough(ctx, "positions", positionsKey(account), &out, func() (any, error) {
		return c.qs.GetPositions(ctx, account)
	})
	return out, err
}

// GetBalance is QueryService.GetBalance through the cache.
func (c *CachedReader) GetBalance(ctx context.Context, account, asset string) (*BalanceResponse, error) {
	var out *BalanceResponse
	err := c.readThrough(ctx, "balance", balanceKey(account, asset), &out, func() (any, error) {
		return c.qs.GetBalance(ctx, account, asset)
	})
	return out, err
}

// GetLiquidationHistory is QueryService.GetLiquidationHistory through the cache.
func (c *CachedReader) GetLiquidationHistory(ctx context.Context, account string, limit int) ([]LiquidationResponse, error) {
	var out []LiquidationResponse
	err := c.readThrough(ctx, "liquidations", liquidationsKey(account, limit), &out, func() (any, error) {
		return c.qs.GetLiquidationHistory(ctx, account, limit)
	})
	return out, err
}

// InvalidateAccount drops every cached entry of an account.
func (c *CachedReader) InvalidateAccount(ctx context.Context, account string) error {
	keys := []string{positionsKey(account)}
	for _, pattern := range []string{
		fmt.Sprintf("%s:balance:%s:*", keyPrefix, account),
		fmt.Sprintf("%s:liquidations:%s:*", keyPrefix, account),
	} {
		iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return err
		}
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// readThrough fills dst from the cache, or from load on a miss. Redis failures fall
// back to load and are only logged.
func (c *CachedReader) readThrough(ctx context.Context, kind, key string, dst any, load func() (any, error)) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if json.Unmarshal(data, dst) == nil {
			c.record(kind, "hit")
			return nil
		}
		c.record(kind, "corrupt")
	case errors.Is(err, redis.Nil):
		c.record(kind, "miss")
	default:
		c.record(kind, "error")
		c.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}

	v, err := load()
	if err != nil {
		return err
	}

	data, err = json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
	return json.Unmarshal(data, dst)
}

func (c *CachedReader) record(kind, result string) {
	if c.metrics != nil {
		c.metrics.QueryCacheResult.WithLabelValues(kind, result).Inc()
	}
}

func positionsKey(account string) string {
	return fmt.Sprintf("%s:positions:%s", keyPrefix, account)
}

func balanceKey(account, asset string) string {
	return fmt.Sprintf("%s:balance:%s:%s", keyPrefix, account, asset)
}

func liquidationsKey(account string, limit int) string {
	return fmt.Sprintf("%s:liquidations:%s:%d", keyPrefix, account, limit)
}
