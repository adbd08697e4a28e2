package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel carries every round and match event.
const DefaultChannel = "arena:events"

// Envelope is the wire form on the Pub/Sub channel.
type Envelope struct {
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

func seal(topic string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return Envelope{Topic: topic, Payload: raw, PublishedAt: time.Now().UTC()}, nil
}

// RedisPublisher publishes events over Redis Pub/Sub so every API replica can
// forward them to its own WebSocket clients.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload any) error {
	env, err := seal(topic, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, data).Err()
}

// LocalPublisher hands events straight to an in-process broadcaster.
type LocalPublisher struct {
	broadcaster *Broadcaster
}

func NewLocalPublisher(b *Broadcaster) *LocalPublisher {
	return &LocalPublisher{broadcaster: b}
}

func (p *LocalPublisher) Publish(_ context.Context, topic string, payload any) error {
	env, err := seal(topic, payload)
	if err != nil {
		return err
	}
	p.broadcaster.Dispatch(env)
	return nil
}
