package realtime

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisTransport is a Transport over Redis pub/sub, for multi-host
// deployments where replicas do not share a relay server. Redis delivers a
// published frame to all subscribers including the publisher; the adapter's
// origin-id filter handles the echo.
type RedisTransport struct {
	client *redis.Client
}

func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, data []byte) error {
	return t.client.Publish(ctx, channel, data).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := t.client.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so no frame published
	// after Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	sub := &redisSub{pubsub: pubsub, ch: make(chan Message, 256)}
	go sub.pump()
	return sub, nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan Message
}

func (s *redisSub) pump() {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		s.ch <- Message{Channel: msg.Channel, Data: []byte(msg.Payload)}
	}
}

func (s *redisSub) Messages() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	return s.pubsub.Close()
}
