package data

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/lodestone-registry/lodestone/internal/domain/event"
)

// RedisEventPublisher publishes domain events on Redis pub/sub channels.
type RedisEventPublisher struct {
	client redis.UniversalClient
	logger *slog.Logger
}

var _ event.Sink = (*RedisEventPublisher)(nil)

// NewRedisEventPublisher creates a publisher over the given Redis client.
func NewRedisEventPublisher(client redis.UniversalClient, logger *slog.Logger) *RedisEventPublisher {
	return &RedisEventPublisher{client: client, logger: logger}
}

// PackageCreated publishes a package-created event.
func (p *RedisEventPublisher) PackageCreated(ctx context.Context, ev *event.PackageCreated) error {
	return p.publish(ctx, event.ChannelPackageCreated, ev)
}

// VersionsChanged publishes a versions-changed event.
func (p *RedisEventPublisher) VersionsChanged(ctx context.Context, ev *event.VersionsChanged) error {
	return p.publish(ctx, event.ChannelVersionsChanged, ev)
}

func (p *RedisEventPublisher) publish(ctx context.Context, channel string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if pubErr := p.client.Publish(ctx, channel, encoded).Err(); pubErr != nil {
		if p.logger != nil {
			p.logger.WarnContext(ctx, "publish event failed",
				"channel", channel,
				"error", pubErr,
			)
		}
		return fmt.Errorf("publish event: %w", pubErr)
	}
	return nil
}
