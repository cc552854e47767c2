package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"qms/dispatch-service/internal/fanout"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type envelope struct {
	Origin string       `json:"origin"`
	Event  fanout.Event `json:"event"`
}

// Bus relays change events between service instances over a Redis pub/sub channel.
// Events published locally are delivered to the local publisher directly, so Run skips
// messages carrying this instance's origin.
type Bus struct {
	client  redis.UniversalClient
	channel string
	origin  string
	local   fanout.Publisher
	logger  *zap.Logger
}

func New(client redis.UniversalClient, channel string, local fanout.Publisher, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		local:   local,
		logger:  logger,
	}
}

func (b *Bus) Publish(ctx context.Context, event fanout.Event) error {
	payload, err := json.Marshal(envelope{Origin: b.origin, Event: event})
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run forwards remote events to the local publisher until ctx is done.
func (b *Bus) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	b.logger.Info("relay subscribed", zap.String("channel", b.channel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return errors.New("redis subscription closed")
			}
			b.deliver(ctx, []byte(msg.Payload))
		}
	}
}

func (b *Bus) deliver(ctx context.Context, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.Warn("relay message malformed", zap.Error(err))
		return
	}
	if env.Origin == b.origin {
		return
	}
	if err := b.local.Publish(ctx, env.Event); err != nil {
		b.logger.Warn("relay delivery failed", zap.String("ticket_id", env.Event.TicketID), zap.Error(err))
	}
}
