package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPublisher publishes session lifecycle transitions to a shared
// channel so other replicas of this process can keep an eventually
// consistent view of which calls are active elsewhere in the fleet.
// Nothing in this process reads the channel back; it exists purely for
// observers outside the process (dashboards, a future cross-replica
// handoff path).
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

type sessionLifecycleMessage struct {
	CallID string `json:"call_id"`
	Event  string `json:"event"`
}

// NewRedisPublisher creates a Publisher backed by client, publishing to
// channel.
func NewRedisPublisher(client *redis.Client, channel string, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, logger: logger}
}

// PublishSessionCreated fires-and-forgets a creation notification.
func (p *RedisPublisher) PublishSessionCreated(callID string) {
	p.publish(sessionLifecycleMessage{CallID: callID, Event: "created"})
}

// PublishSessionRemoved fires-and-forgets a removal notification.
func (p *RedisPublisher) PublishSessionRemoved(callID string) {
	p.publish(sessionLifecycleMessage{CallID: callID, Event: "removed"})
}

func (p *RedisPublisher) publish(msg sessionLifecycleMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.client.Publish(ctx, p.channel, raw).Err(); err != nil {
		p.logger.Warn("registry: failed to publish session lifecycle event", zap.Error(err))
	}
}
