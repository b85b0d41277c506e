package occurrence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"relay/internal/constants"
	"relay/internal/logger"
	"relay/pkg/metrics"
)

// DedupeGuard is a fast-path check for already ingested (source, source_id)
// pairs. It is an optimization only; the UNIQUE constraint in Postgres stays
// authoritative, so the guard fails open on infrastructure errors.
type DedupeGuard interface {
	Seen(ctx context.Context, source, sourceID string) (bool, error)
}

type RedisDedupeGuard struct {
	client *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

func NewRedisDedupeGuard(client *redis.Client, ttlSeconds int, log logger.Logger) *RedisDedupeGuard {
	if ttlSeconds <= 0 {
		ttlSeconds = constants.DefaultDedupeTTLSeconds
	}
	return &RedisDedupeGuard{
		client: client,
		ttl:    time.Duration(ttlSeconds) * time.Second,
		logger: log,
	}
}

func (g *RedisDedupeGuard) Seen(ctx context.Context, source, sourceID string) (bool, error) {
	key := dedupeKey(source, sourceID)

	created, err := g.client.SetNX(ctx, key, 1, g.ttl).Result()
	if err != nil {
		metrics.DedupeFallbackTotal.WithLabelValues("redis_error").Inc()
		g.logger.WarnwCtx(ctx, "Dedupe guard unavailable, falling back to database constraint",
			"error", err,
			"source", source,
		)
		return false, nil
	}

	return !created, nil
}

func dedupeKey(source, sourceID string) string {
	return fmt.Sprintf("%s%s:%s", constants.CacheKeyPrefixOccurrence, source, sourceID)
}

// NopDedupeGuard is used when dedupe is disabled or Redis is not configured.
type NopDedupeGuard struct{}

func (NopDedupeGuard) Seen(ctx context.Context, source, sourceID string) (bool, error) {
	return false, nil
}
