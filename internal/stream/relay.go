package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"coldchain-monitor/internal/metrics"
)

// RedisRelay shares events between server replicas over a Redis pub/sub
// channel. Every replica, the publisher included, delivers what it receives
// on the channel to its local hub. When Redis rejects a publish the event is
// delivered locally so this replica's subscribers still see it.
type RedisRelay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  *slog.Logger
}

// NewRedisClient connects to Redis and checks the connection
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     20,
		MinIdleConns: 2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisRelay creates a relay feeding hub
func NewRedisRelay(client *redis.Client, channel string, hub *Hub, logger *slog.Logger) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, hub: hub, logger: logger}
}

// Publish sends ev to the shared channel
func (r *RedisRelay) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err == nil {
		err = r.client.Publish(ctx, r.channel, payload).Err()
	}
	if err != nil {
		metrics.RelayFailures.Add(1)
		r.logger.Warn("relay publish failed, delivering locally", "event", ev.Type, "error", err)
		r.hub.Broadcast(ev)
	}
}

// Start subscribes to the channel and forwards messages to the hub until
// ctx is done. It returns once the subscription is confirmed.
func (r *RedisRelay) Start(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.logger.Warn("relay dropped undecodable message", "error", err)
					continue
				}
				r.hub.Broadcast(ev)
			}
		}
	}()

	r.logger.Info("event relay subscribed", "channel", r.channel)
	return nil
}
