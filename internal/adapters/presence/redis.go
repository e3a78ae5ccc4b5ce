// Package presence exports presence transitions to Redis so other portal
// processes can show online badges. Hub state stays authoritative in memory.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Pulse/internal/config"
	"github.com/dkeye/Pulse/internal/domain"
)

// Redis keys:
// <online_key>  SET<user_id>  - users with at least one live connection
// <channel>     PUBSUB        - {"user_id":..,"status":..,"at":..} per transition

type transition struct {
	UserID domain.UserID `json:"user_id"`
	Status string        `json:"status"`
	At     int64         `json:"at"`
}

type RedisSink struct {
	client    redis.UniversalClient
	channel   string
	onlineKey string
	now       func() time.Time
}

func NewRedisSink(ctx context.Context, cfg config.RedisConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newRedisSink(client, cfg.Channel, cfg.OnlineKey), nil
}

func newRedisSink(client redis.UniversalClient, channel, onlineKey string) *RedisSink {
	if channel == "" {
		channel = "pulse:presence"
	}
	if onlineKey == "" {
		onlineKey = "pulse:online_users"
	}
	return &RedisSink{client: client, channel: channel, onlineKey: onlineKey, now: time.Now}
}

// Reset clears the online set left by a previous hub process.
func (s *RedisSink) Reset(ctx context.Context) error {
	return s.client.Del(ctx, s.onlineKey).Err()
}

func (s *RedisSink) PublishPresence(ctx context.Context, ev domain.UserStatusEvent) error {
	data, err := json.Marshal(transition{UserID: ev.UserID, Status: ev.Status, At: s.now().Unix()})
	if err != nil {
		return err
	}
	member := ev.UserID.String()

	pipe := s.client.TxPipeline()
	switch ev.Status {
	case domain.StatusOnline:
		pipe.SAdd(ctx, s.onlineKey, member)
	case domain.StatusOffline:
		pipe.SRem(ctx, s.onlineKey, member)
	default:
		return fmt.Errorf("unknown presence status %q", ev.Status)
	}
	pipe.Publish(ctx, s.channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	log.Debug().Str("module", "adapters.presence").Str("user", member).Str("status", ev.Status).Msg("presence exported")
	return nil
}

func (s *RedisSink) Close() error { return s.client.Close() }
