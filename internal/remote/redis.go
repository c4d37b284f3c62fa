package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"cleanhelmet/internal/config"
	apperrors "cleanhelmet/internal/errors"
	"cleanhelmet/internal/store"
)

// RedisSink appends events to a Redis stream and keeps the latest value
// of each event type under a per-kiosk key.
type RedisSink struct {
	client  *redis.Client
	stream  string
	kioskID string
}

// NewRedisSink creates the client. No connection is made until first use.
func NewRedisSink(cfg config.RedisConfig) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return &RedisSink{client: client, stream: cfg.Stream, kioskID: cfg.KioskID}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Deliver(ctx context.Context, item store.SyncItem) error {
	pipe := s.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: 10000,
		Approx: true,
		Values: streamValues(s.kioskID, item),
	})
	pipe.Set(ctx, s.latestKey(item.Type), []byte(item.Payload), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewNetworkError("redis delivery failed", err).WithContext("item_id", item.ID)
	}
	return nil
}

// Ping checks the connection.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

func (s *RedisSink) latestKey(t store.SyncItemType) string {
	return fmt.Sprintf("%s:%s:latest:%s", s.stream, s.kioskID, t)
}

func streamValues(kioskID string, item store.SyncItem) map[string]interface{} {
	return map[string]interface{}{
		"id":          item.ID,
		"kiosk":       kioskID,
		"type":        string(item.Type),
		"payload":     string(item.Payload),
		"created_at":  item.CreatedAt.UTC().Format(time.RFC3339Nano),
		"retry_count": item.RetryCount,
	}
}
