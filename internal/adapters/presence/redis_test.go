package presence

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dkeye/Pulse/internal/domain"
)

// Needs a disposable Redis: PULSE_TEST_REDIS_ADDR=localhost:6379.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("PULSE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PULSE_TEST_REDIS_ADDR not set")
	}
	c := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	if err := c.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRedisSinkTransitions(t *testing.T) {
	client := testClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	channel := "pulse:test:presence:" + time.Now().Format("150405.000000")
	key := channel + ":online"
	sink := newRedisSink(client, channel, key)
	t.Cleanup(func() { client.Del(context.Background(), key) })

	sub := client.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := sink.PublishPresence(ctx, domain.UserStatusEvent{UserID: 7, Status: domain.StatusOnline}); err != nil {
		t.Fatalf("publish online: %v", err)
	}
	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var got transition
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.UserID != 7 || got.Status != domain.StatusOnline {
		t.Fatalf("transition = %+v", got)
	}
	online, _ := client.SMembers(ctx, key).Result()
	if len(online) != 1 || online[0] != "7" {
		t.Fatalf("online = %v", online)
	}

	if err := sink.PublishPresence(ctx, domain.UserStatusEvent{UserID: 7, Status: domain.StatusOffline}); err != nil {
		t.Fatalf("publish offline: %v", err)
	}
	online, _ = client.SMembers(ctx, key).Result()
	if len(online) != 0 {
		t.Fatalf("online after offline = %v", online)
	}
}
