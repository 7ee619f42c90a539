// Package realtime carries push events between service instances over Redis
// pub/sub. A publisher writes to a per-user channel; every instance runs a
// relay that forwards those events to its local websocket connections.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultPrefix = "fulfillment:push:"

type Event struct {
	UserID string          `json:"user_id"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type RedisPublisher struct {
	client *redis.Client
	prefix string
}

func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Channel(userID string) string {
	return p.prefix + userID
}

func (p *RedisPublisher) Publish(ctx context.Context, userID, eventType string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal push data: %w", err)
	}
	msg, err := json.Marshal(Event{UserID: userID, Type: eventType, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal push event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(userID), msg).Err(); err != nil {
		return fmt.Errorf("publish push event: %w", err)
	}
	return nil
}

// Sink receives relayed events; the websocket hub implements it.
type Sink interface {
	Publish(ctx context.Context, userID, eventType string, data interface{}) error
}

type Relay struct {
	client *redis.Client
	prefix string
	sink   Sink
	logger *logrus.Logger
}

func NewRelay(client *redis.Client, prefix string, sink Sink, logger *logrus.Logger) *Relay {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Relay{client: client, prefix: prefix, sink: sink, logger: logger}
}

// Run forwards events until ctx is done. ready, when non-nil, is closed once
// the subscription is confirmed.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to push channels: %w", err)
	}
	if ready != nil {
		close(ready)
	}
	r.logger.WithField("pattern", r.prefix+"*").Info("Realtime relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.forward(ctx, msg)
		}
	}
}

func (r *Relay) forward(ctx context.Context, msg *redis.Message) {
	var ev Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		r.logger.WithError(err).WithField("channel", msg.Channel).Warn("Dropping malformed push event")
		return
	}
	if ev.UserID == "" {
		ev.UserID = strings.TrimPrefix(msg.Channel, r.prefix)
	}
	if err := r.sink.Publish(ctx, ev.UserID, ev.Type, ev.Data); err != nil {
		r.logger.WithError(err).WithField("user_id", ev.UserID).Warn("Failed to forward push event")
	}
}
