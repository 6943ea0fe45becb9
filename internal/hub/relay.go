package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stockpilot/realtime/internal/protocol"
)

// Relay shares events between hub instances behind a load balancer.
type Relay interface {
	Publish(ctx context.Context, env protocol.Envelope) error
	// Subscribe calls deliver for every event published by another
	// instance until ctx is done.
	Subscribe(ctx context.Context, deliver func(protocol.Envelope)) error
}

type relayMessage struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// RedisRelay is a Relay over Redis pub/sub. Each instance tags what it
// publishes and ignores its own messages.
type RedisRelay struct {
	rdb     redis.UniversalClient
	channel string
	origin  string
	log     zerolog.Logger
}

func NewRedisRelay(rdb redis.UniversalClient, channel string, log zerolog.Logger) *RedisRelay {
	return &RedisRelay{
		rdb:     rdb,
		channel: channel,
		origin:  uuid.NewString(),
		log:     log,
	}
}

func (r *RedisRelay) encode(env protocol.Envelope) ([]byte, error) {
	frame, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return nil, err
	}
	return json.Marshal(relayMessage{Origin: r.origin, Frame: frame})
}

// decode returns the envelope carried by payload, or ok=false for messages
// this instance published itself.
func (r *RedisRelay) decode(payload string) (protocol.Envelope, bool, error) {
	var msg relayMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return protocol.Envelope{}, false, fmt.Errorf("relay message: %w", err)
	}
	if msg.Origin == r.origin {
		return protocol.Envelope{}, false, nil
	}
	env, err := protocol.Decode(msg.Frame)
	if err != nil {
		return protocol.Envelope{}, false, err
	}
	return env, true, nil
}

func (r *RedisRelay) Publish(ctx context.Context, env protocol.Envelope) error {
	data, err := r.encode(env)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *RedisRelay) Subscribe(ctx context.Context, deliver func(protocol.Envelope)) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", r.channel, err)
	}
	r.log.Info().Str("channel", r.channel).Msg("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, ok, err := r.decode(msg.Payload)
			if err != nil {
				r.log.Warn().Err(err).Msg("dropping relay message")
				continue
			}
			if ok {
				deliver(env)
			}
		}
	}
}
