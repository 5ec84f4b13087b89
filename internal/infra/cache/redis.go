package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-title-bot/internal/domain"
	"tg-title-bot/internal/infra/metrics"
)

// RedisStatsCache реализует кэш статистики поверх Redis. Redis сам
// вычищает протухшие записи, но срок жизни дублируется в значении,
// чтобы проверка свежести оставалась на вызывающем.
type RedisStatsCache struct {
	client *redis.Client
}

var _ domain.StatsCacheRepo = (*RedisStatsCache)(nil)

// NewRedisStatsCache создаёт кэш.
func NewRedisStatsCache(client *redis.Client) *RedisStatsCache {
	return &RedisStatsCache{client: client}
}

type cachedValue struct {
	Value     float64   `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

func cacheKey(calcType string, periodDays int) string {
	return fmt.Sprintf("stats:%s:%d", calcType, periodDays)
}

// Get возвращает запись кэша или nil, если её нет.
func (c *RedisStatsCache) Get(ctx context.Context, calcType string, periodDays int) (*domain.CachedStatistic, error) {
	key := cacheKey(calcType, periodDays)
	start := time.Now()
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.ObserveNetworkRequest("redis", "get", "stats_cache", start, nil)
		return nil, nil
	}
	metrics.ObserveNetworkRequest("redis", "get", "stats_cache", start, err)
	if err != nil {
		return nil, fmt.Errorf("чтение кэша %s: %w", key, err)
	}
	var v cachedValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("декодирование кэша %s: %w", key, err)
	}
	return &domain.CachedStatistic{Value: v.Value, ExpiresAt: v.ExpiresAt}, nil
}

// Put записывает значение по ключу (calcType, periodDays).
func (c *RedisStatsCache) Put(ctx context.Context, calcType string, periodDays int, value float64, expiresAt time.Time) error {
	key := cacheKey(calcType, periodDays)
	payload, err := json.Marshal(cachedValue{Value: value, ExpiresAt: expiresAt})
	if err != nil {
		return fmt.Errorf("кодирование кэша %s: %w", key, err)
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	start := time.Now()
	err = c.client.Set(ctx, key, payload, ttl).Err()
	metrics.ObserveNetworkRequest("redis", "set", "stats_cache", start, err)
	if err != nil {
		return fmt.Errorf("запись кэша %s: %w", key, err)
	}
	return nil
}
