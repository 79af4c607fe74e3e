package realtime

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func testRedisTransport(t *testing.T) *RedisTransport {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping Redis tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis ping: %v", err)
	}
	tr := NewRedisTransport(client)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestRedisTransport_PublishSubscribe(t *testing.T) {
	tr := testRedisTransport(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := tr.Subscribe(ctx, "doc:redis-test")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	frame := []byte(`{"event":"update","payload":{"update":"aGk=","originId":"r1","timestamp":1}}`)
	if err := tr.Publish(ctx, "doc:redis-test", frame); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != string(frame) {
			t.Errorf("frame altered: %s", msg.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for pub/sub delivery")
	}
}

// Redis delivers a frame back to the publisher's own subscription; the
// adapter's origin filter depends on that being survivable.
func TestRedisTransport_EchoesToPublisher(t *testing.T) {
	tr := testRedisTransport(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := tr.Subscribe(ctx, "doc:redis-echo")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if err := tr.Publish(ctx, "doc:redis-echo", []byte(`{"event":"presence","payload":{}}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sub.Messages():
	case <-time.After(5 * time.Second):
		t.Fatal("no echo received")
	}
}
