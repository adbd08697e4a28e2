package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/arena-core/internal/round"
	ws "github.com/gokatarajesh/arena-core/pkg/http/ws"
)

// Broadcaster listens for Redis Pub/Sub events and forwards them to the
// WebSocket clients subscribed to the affected round.
type Broadcaster struct {
	redis   *redis.Client
	hub     *ws.Hub
	channel string
	logger  zerolog.Logger
}

// NewBroadcaster creates a Pub/Sub powered event broadcaster. redis may be nil
// when events arrive through a LocalPublisher.
func NewBroadcaster(redis *redis.Client, hub *ws.Hub, channel string, logger zerolog.Logger) *Broadcaster {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Broadcaster{
		redis:   redis,
		hub:     hub,
		channel: channel,
		logger:  logger.With().Str("component", "event_broadcaster").Logger(),
	}
}

// Run subscribes to the event channel and blocks until the context is cancelled.
func (b *Broadcaster) Run(ctx context.Context) error {
	if b.redis == nil || b.hub == nil {
		<-ctx.Done()
		return nil
	}

	sub := b.redis.Subscribe(ctx, b.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn().Err(err).Msg("failed to decode event envelope")
				continue
			}
			b.Dispatch(env)
		}
	}
}

// Dispatch routes one event to its WebSocket audience.
func (b *Broadcaster) Dispatch(env Envelope) {
	if b.hub == nil || !strings.HasPrefix(env.Topic, "round.") {
		return
	}
	var evt round.Event
	if err := json.Unmarshal(env.Payload, &evt); err != nil {
		b.logger.Warn().Err(err).Str("topic", env.Topic).Msg("failed to decode round event")
		return
	}

	msg, err := ws.NewMessage(ws.TypeRoundEvent, ws.RoundEventPayload{Topic: env.Topic, Event: env.Payload})
	if err != nil {
		b.logger.Warn().Err(err).Msg("failed to marshal round WS payload")
		return
	}
	topic := ws.RoundTopic(evt.Round.GameID, evt.Round.BucketStart.UnixMilli())
	if err := b.hub.Publish(topic, msg); err != nil {
		b.logger.Debug().Err(err).Str("topic", topic).Msg("round event not delivered to every subscriber")
	}
	if evt.UserID != nil {
		_ = b.hub.SendToUser(*evt.UserID, msg)
	}
	if terminal(env.Topic, evt) {
		for _, userID := range b.hub.Subscribers(topic) {
			b.hub.Unsubscribe(topic, userID)
		}
	}
}

// terminal reports whether no further events will follow for the round.
func terminal(topic string, evt round.Event) bool {
	switch topic {
	case round.TopicSettled, round.TopicBlocked:
		return true
	case round.TopicInvalidated:
		return evt.UserID == nil
	}
	return false
}
