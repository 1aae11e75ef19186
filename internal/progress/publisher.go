package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"campaign-engine/internal/models"
)

// Publisher fans live campaign stats out to observers. Delivery is
// fire-and-forget: events are published in send order per campaign, but no
// observer is guaranteed to see every one.
type Publisher interface {
	Publish(ctx context.Context, event models.ProgressEvent) error
}

// RedisPublisher broadcasts progress events on a tenant-scoped Redis channel.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// ChannelFor names the pub/sub channel carrying one tenant's events.
func ChannelFor(tenantID string) string {
	return fmt.Sprintf("progress:%s", tenantID)
}

func (p *RedisPublisher) Publish(ctx context.Context, event models.ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	return p.client.Publish(ctx, ChannelFor(event.TenantID), payload).Err()
}
