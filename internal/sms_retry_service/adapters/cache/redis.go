package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/domain"
)

const dlrKeyPrefix = "sms_retry:dlr"

// NewRedisClient parses a redis:// URL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// RedisDeduplicator drops delivery reports already seen within ttl. Providers
// re-send callbacks until acknowledged, and the same report can arrive both on
// the webhook and through NATS.
type RedisDeduplicator struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisDeduplicator(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisDeduplicator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduplicator{rdb: rdb, ttl: ttl, logger: logger.With("component", "dlr_dedup")}
}

func dlrKey(providerMessageID string, status domain.Status) string {
	return fmt.Sprintf("%s:%s:%s", dlrKeyPrefix, providerMessageID, status)
}

// FirstSeen records the (id, status) pair and reports whether it was new.
func (d *RedisDeduplicator) FirstSeen(ctx context.Context, providerMessageID string, status domain.Status) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, dlrKey(providerMessageID, status), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	if !ok {
		d.logger.DebugContext(ctx, "Duplicate delivery report", "provider_message_id", providerMessageID, "status", status)
	}
	return ok, nil
}

// Forget removes the (id, status) record.
func (d *RedisDeduplicator) Forget(ctx context.Context, providerMessageID string, status domain.Status) error {
	if err := d.rdb.Del(ctx, dlrKey(providerMessageID, status)).Err(); err != nil {
		return fmt.Errorf("del failed: %w", err)
	}
	return nil
}
