package gateway

import (
	"context"
	"sync"
	"time"

	"notification-service/internal/config"
	"notification-service/internal/domain"
	"notification-service/internal/repository"
	"notification-service/pkg/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// PushResult classifies a realtime delivery attempt.
type PushResult int

const (
	// PushDelivered reached at least one live local connection.
	PushDelivered PushResult = iota
	// PushRelayed reached no local connection but was handed to the relay
	// for other instances.
	PushRelayed
	// PushNoListener reached nobody.
	PushNoListener
)

// MessageHandler processes one inbound client message. The ws handler
// registers itself here so the gateway stays free of usecase wiring.
type MessageHandler func(ctx context.Context, c *Client, raw []byte)

// Gateway owns the realtime side: the connection registry, the client
// pumps, event push and the optional cross-instance relay.
type Gateway struct {
	cfg      config.GatewayConfig
	registry Registry
	store    repository.NotificationStore
	logger   *zap.Logger

	mu      sync.RWMutex
	handler MessageHandler
	relay   *Relay
}

func New(cfg config.GatewayConfig, registry Registry, store repository.NotificationStore, logger *zap.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		registry: registry,
		store:    store,
		logger:   logger,
	}
}

func (g *Gateway) SetMessageHandler(h MessageHandler) {
	g.mu.Lock()
	g.handler = h
	g.mu.Unlock()
}

func (g *Gateway) SetRelay(r *Relay) {
	g.mu.Lock()
	g.relay = r
	g.mu.Unlock()
}

func (g *Gateway) Registry() Registry {
	return g.registry
}

// Accept registers an authenticated, upgraded connection and starts its
// pumps. The caller has already verified the user.
func (g *Gateway) Accept(ctx context.Context, conn *websocket.Conn, userID, device string) *Client {
	client := newClient(g, conn, userID, device)
	g.registry.Join(client)
	metrics.IncrementWSConnections()

	go client.writePump()
	go client.readPump()

	client.SendJSON(&domain.WSResponse{
		Type:    domain.EventConnectionStatus,
		Success: true,
		Data: map[string]interface{}{
			"client_id":    client.ID,
			"user_id":      userID,
			"connected_at": time.Now().UTC(),
		},
		Message: "connected",
	})
	g.PushUnreadCount(ctx, userID)

	g.logger.Info("ws client connected",
		zap.String("client_id", client.ID),
		zap.String("user_id", userID),
		zap.Int("user_connections", g.registry.CountUser(userID)))
	return client
}

// drop unregisters a client once; readPump calls it on the way out.
func (g *Gateway) drop(c *Client) {
	if !g.registry.Leave(c) {
		return
	}
	close(c.Send)
	metrics.DecrementWSConnections()
	g.logger.Info("ws client disconnected",
		zap.String("client_id", c.ID),
		zap.String("user_id", c.UserID))
}

func (g *Gateway) dispatch(c *Client, raw []byte) {
	g.mu.RLock()
	h := g.handler
	g.mu.RUnlock()

	if h == nil {
		c.SendError("service not ready")
		return
	}
	h(context.Background(), c, raw)
}

// PushToUser queues a message on every local connection of a user and
// returns how many accepted it.
func (g *Gateway) PushToUser(userID string, v interface{}) int {
	sent := 0
	for _, c := range g.registry.Clients(userID) {
		if c.SendJSON(v) {
			sent++
		}
	}
	return sent
}

// PushBroadcast queues a message on every local connection. With a relay
// attached the message also fans out to the other instances.
func (g *Gateway) PushBroadcast(ctx context.Context, eventType string, data interface{}) int {
	sent := g.pushAllLocal(&domain.WSResponse{Type: eventType, Success: true, Data: data})

	g.mu.RLock()
	relay := g.relay
	g.mu.RUnlock()
	if relay != nil {
		if err := relay.Publish(ctx, relayAllUsers, eventType, data); err != nil {
			g.logger.Warn("relay broadcast failed", zap.Error(err))
		}
	}
	return sent
}

func (g *Gateway) pushAllLocal(v interface{}) int {
	sent := 0
	for _, c := range g.registry.All() {
		if c.SendJSON(v) {
			sent++
		}
	}
	return sent
}

// PushEvent sends a typed event to one user, fanning out through the relay
// so the user's connections on other instances see it too.
func (g *Gateway) PushEvent(ctx context.Context, userID, eventType string, data interface{}) int {
	sent := g.PushToUser(userID, &domain.WSResponse{Type: eventType, Success: true, Data: data})

	g.mu.RLock()
	relay := g.relay
	g.mu.RUnlock()
	if relay != nil {
		if err := relay.Publish(ctx, userID, eventType, data); err != nil {
			g.logger.Warn("relay publish failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return sent
}

// Deliver pushes a freshly created notification over the realtime channel.
func (g *Gateway) Deliver(ctx context.Context, n *domain.Notification) PushResult {
	sent := g.PushToUser(n.RecipientID, &domain.WSResponse{
		Type:    domain.EventNotificationNew,
		Success: true,
		Data:    n,
	})

	g.mu.RLock()
	relay := g.relay
	g.mu.RUnlock()

	relayed := false
	if relay != nil {
		if err := relay.Publish(ctx, n.RecipientID, domain.EventNotificationNew, n); err != nil {
			g.logger.Warn("relay publish failed",
				zap.String("notification_id", n.ID),
				zap.Error(err))
		} else {
			relayed = true
		}
	}

	switch {
	case sent > 0:
		metrics.IncrementDelivery(string(domain.ChannelRealtime), "delivered")
		return PushDelivered
	case relayed:
		metrics.IncrementDelivery(string(domain.ChannelRealtime), "relayed")
		return PushRelayed
	default:
		metrics.IncrementDelivery(string(domain.ChannelRealtime), "failed")
		return PushNoListener
	}
}

// Shutdown closes every live connection. The read pumps observe the closed
// sockets and unregister their clients on the way out.
func (g *Gateway) Shutdown() {
	clients := g.registry.All()
	for _, c := range clients {
		c.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.Conn.Close()
	}
	if len(clients) > 0 {
		g.logger.Info("ws connections closed", zap.Int("count", len(clients)))
	}
}

// PushUnreadCount sends a user their current unread totals.
func (g *Gateway) PushUnreadCount(ctx context.Context, userID string) {
	if g.registry.CountUser(userID) == 0 {
		return
	}
	counts, err := g.store.CountUnreadGrouped(ctx, userID)
	if err != nil {
		g.logger.Warn("unread count lookup failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	g.PushToUser(userID, &domain.WSResponse{
		Type:    domain.EventUnreadCount,
		Success: true,
		Data:    counts,
	})
}

func (g *Gateway) pingPeriod() time.Duration {
	p := g.cfg.PongWait * 9 / 10
	if p <= 0 {
		p = 54 * time.Second
	}
	return p
}
