// Package idempotency skips envelopes that were already handled, using Redis
// SETNX markers.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drblury/recordflow/internal/runtime/consumer"
	"github.com/drblury/recordflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
)

const (
	keyPrefix  = "recordflow:processed:"
	DefaultTTL = 24 * time.Hour
)

// Cache stores processed markers.
type Cache interface {
	// SetNX stores key if absent and reports whether it did.
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// RedisCache implements Cache with go-redis.
type RedisCache struct {
	client redis.UniversalClient
}

var _ Cache = (*RedisCache)(nil)

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

func (c *RedisCache) Del(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Handler wraps another consumer.Handler. The first delivery of a message
// claims a marker; later deliveries of the same message are reported as
// handled without calling the wrapped handler. A failing handler releases
// the marker so a redelivery runs again.
type Handler struct {
	next   consumer.Handler
	cache  Cache
	ttl    time.Duration
	logger loggingpkg.ServiceLogger
}

var _ consumer.Handler = (*Handler)(nil)

func NewHandler(next consumer.Handler, cache Cache, ttl time.Duration, logger loggingpkg.ServiceLogger) (*Handler, error) {
	if next == nil {
		return nil, errors.New("idempotency: handler is required")
	}
	if cache == nil {
		return nil, errors.New("idempotency: cache is required")
	}
	if logger == nil {
		return nil, errors.New("idempotency: logger is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Handler{next: next, cache: cache, ttl: ttl, logger: logger}, nil
}

func (h *Handler) ProcessEvent(ctx context.Context, env envelope.Envelope) error {
	key := Key(ctx, env)
	fields := loggingpkg.LogFields{"envelope_id": env.ID, "idempotency_key": key}

	claimed, err := h.cache.SetNX(ctx, key, h.ttl)
	if err != nil {
		// at-least-once wins over dedupe when the cache is down
		h.logger.Warn("Idempotency check failed, processing anyway", loggingpkg.LogFields{
			"envelope_id": env.ID,
			"error":       err.Error(),
		})
		return h.next.ProcessEvent(ctx, env)
	}
	if !claimed {
		h.logger.Info("Skipping already processed message", fields)
		return nil
	}

	if err := h.next.ProcessEvent(ctx, env); err != nil {
		if delErr := h.cache.Del(ctx, key); delErr != nil {
			h.logger.Error("Failed to release idempotency key", delErr, fields)
		}
		return err
	}
	return nil
}

// Key is the marker for env. Envelope ids identify a record, so the
// transport message id (or, without one, the event type) tells successive
// events about the same record apart.
func Key(ctx context.Context, env envelope.Envelope) string {
	if info, ok := consumer.DeliveryInfoFromContext(ctx); ok && info.MessageID != "" {
		return keyPrefix + env.ID + ":" + info.MessageID
	}
	return keyPrefix + env.ID + ":" + string(env.EventType)
}
