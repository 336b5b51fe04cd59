package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisBridge republishes bus events on a Redis pub/sub channel so other
// processes can follow them. It is a subscriber like any other: when Redis is
// slow the bridge's buffer fills and events are dropped, never the publisher.
type RedisBridge struct {
	client  *redis.Client
	channel string
	log     *slog.Logger
}

func NewRedisBridge(url, channel string, logger *slog.Logger) (*RedisBridge, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse bus.redis_url: %w", err)
	}
	if channel == "" {
		channel = "mendline.events"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBridge{
		client:  redis.NewClient(opts),
		channel: channel,
		log:     logger.With("component", "redis_bridge", "channel", channel),
	}, nil
}

// Run forwards events from sub until ctx ends or the subscription closes.
func (r *RedisBridge) Run(ctx context.Context, sub *Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				r.log.Warn("encode event", "event", evt.Event, "error", err)
				continue
			}
			if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil && ctx.Err() == nil {
				r.log.Warn("redis publish failed", "event", evt.Event, "error", err)
			}
		}
	}
}

func (r *RedisBridge) Close() error {
	return r.client.Close()
}
