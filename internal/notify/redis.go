package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis sends hints over redis pub/sub, for deployments where workers do
// not share a Postgres connection (e.g. the SQLite store on a shared volume).
type Redis struct {
	client  redis.UniversalClient
	channel string
}

func NewRedis(client redis.UniversalClient, channel string) *Redis {
	return &Redis{client: client, channel: NormalizeChannel(channel)}
}

func (n *Redis) Notify(ctx context.Context, taskGroup string) error {
	return n.client.Publish(ctx, n.channel, taskGroup).Err()
}

func (n *Redis) Listen(ctx context.Context, wake func()) error {
	sub := n.client.Subscribe(ctx, n.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before reporting hints.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			wake()
		}
	}
}
