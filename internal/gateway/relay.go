package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"notification-service/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// relayAllUsers addresses an envelope to every connected user.
const relayAllUsers = "*"

type relayEnvelope struct {
	Origin  string          `json:"origin"`
	UserID  string          `json:"user_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Relay fans realtime events out across service instances over a redis
// pub/sub channel. Every instance publishes locally handled events and
// delivers foreign ones to its own connections.
type Relay struct {
	rdb        redis.UniversalClient
	channel    string
	instanceID string
	gw         *Gateway
	logger     *zap.Logger
	pubsub     *redis.PubSub
}

func NewRelay(rdb redis.UniversalClient, channel string, gw *Gateway, logger *zap.Logger) *Relay {
	return &Relay{
		rdb:        rdb,
		channel:    channel,
		instanceID: uuid.NewString(),
		gw:         gw,
		logger:     logger,
	}
}

func (r *Relay) Publish(ctx context.Context, userID, eventType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal relay payload: %w", err)
	}
	env, err := json.Marshal(relayEnvelope{
		Origin:  r.instanceID,
		UserID:  userID,
		Type:    eventType,
		Payload: raw,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal relay envelope: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel, env).Err(); err != nil {
		return fmt.Errorf("failed to publish relay event: %w", err)
	}
	return nil
}

// Start subscribes to the relay channel and begins delivering foreign
// events. It returns once the subscription is confirmed.
func (r *Relay) Start(ctx context.Context) error {
	r.pubsub = r.rdb.Subscribe(ctx, r.channel)

	if _, err := r.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.logger.Info("relay subscribed", zap.String("channel", r.channel))

	go r.listen(ctx)
	return nil
}

func (r *Relay) listen(ctx context.Context) {
	ch := r.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			r.pubsub.Close()
			return

		case msg := <-ch:
			if msg == nil {
				continue
			}

			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("relay message corrupt", zap.Error(err))
				continue
			}
			// The origin already pushed to its own connections.
			if env.Origin == r.instanceID {
				continue
			}

			resp := &domain.WSResponse{Type: env.Type, Success: true, Data: env.Payload}
			if env.UserID == relayAllUsers {
				r.gw.pushAllLocal(resp)
			} else {
				r.gw.PushToUser(env.UserID, resp)
			}
		}
	}
}

func (r *Relay) Stop() error {
	if r.pubsub != nil {
		return r.pubsub.Close()
	}
	return nil
}
