package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cankoe/bls-console/internal/models"

	"github.com/go-redis/redis/v8"
)

// StatusPublisher stores the latest reconciled status under a key and
// announces it on a channel, so dashboards in other processes can follow one
// console without opening their own push connection.
type StatusPublisher struct {
	client  *redis.Client
	channel string
	key     string
}

func NewStatusPublisher(client *redis.Client, channel, key string) *StatusPublisher {
	return &StatusPublisher{client: client, channel: channel, key: key}
}

func (p *StatusPublisher) PublishStatus(ctx context.Context, status models.SystemStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.key, payload, 0)
		pipe.Publish(ctx, p.channel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	return nil
}

// Latest reads the last published status. ok is false if none was published.
func (p *StatusPublisher) Latest(ctx context.Context) (models.SystemStatus, bool, error) {
	raw, err := p.client.Get(ctx, p.key).Bytes()
	if err == redis.Nil {
		return models.SystemStatus{}, false, nil
	}
	if err != nil {
		return models.SystemStatus{}, false, fmt.Errorf("read status: %w", err)
	}
	var status models.SystemStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return models.SystemStatus{}, false, fmt.Errorf("decode status: %w", err)
	}
	return status, true, nil
}
