package wshandler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"notification-service/internal/domain"
	"notification-service/internal/gateway"
	"notification-service/internal/usecase"
	"notification-service/pkg/jwtutil"
)

// WSHandler upgrades authenticated requests and routes client frames to
// usecase operations. Events caused by an operation (read, deleted, unread
// counts) fan out to every connection of the user, not just the sender.
type WSHandler struct {
	gw     *gateway.Gateway
	uc     *usecase.NotificationUsecase
	secret string
	logger *zap.Logger
}

func NewWSHandler(gw *gateway.Gateway, uc *usecase.NotificationUsecase, secret string, logger *zap.Logger) *WSHandler {
	h := &WSHandler{gw: gw, uc: uc, secret: secret, logger: logger}
	gw.SetMessageHandler(h.handleMessage)
	return h
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Serve upgrades HTTP to WebSocket and registers the connection. Browsers
// cannot set headers on upgrade requests, so the token may also arrive as a
// query parameter.
// GET /ws/notifications?token=...
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	token := jwtutil.ExtractToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := jwtutil.Verify(h.secret, token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.gw.Accept(r.Context(), conn, claims.UserID, claims.Device)
}

func (h *WSHandler) handleMessage(ctx context.Context, c *gateway.Client, raw []byte) {
	var msg domain.WSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.SendError("malformed message")
		return
	}

	switch msg.Type {
	case domain.OpPing:
		c.SendJSON(domain.WSResponse{Type: "pong", Success: true})

	case domain.OpMarkRead:
		var data struct {
			NotificationID  string   `json:"notification_id"`
			NotificationIDs []string `json:"notification_ids"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.SendError("malformed payload")
			return
		}
		var modified int64
		var err error
		switch {
		case data.NotificationID != "":
			modified, err = h.uc.MarkRead(ctx, data.NotificationID, c.UserID)
		case len(data.NotificationIDs) > 0:
			modified, err = h.uc.MarkManyRead(ctx, data.NotificationIDs, c.UserID)
		default:
			c.SendError("notification_id required")
			return
		}
		if err != nil {
			c.SendError(err.Error())
			return
		}
		h.ack(c, msg.Type, map[string]int64{"modified": modified})

	case domain.OpMarkAllRead:
		modified, err := h.uc.MarkAllRead(ctx, c.UserID)
		if err != nil {
			c.SendError(err.Error())
			return
		}
		h.ack(c, msg.Type, map[string]int64{"modified": modified})

	case domain.OpDelete:
		var data struct {
			NotificationID string `json:"notification_id"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.NotificationID == "" {
			c.SendError("notification_id required")
			return
		}
		if err := h.uc.Delete(ctx, data.NotificationID, c.UserID); err != nil {
			c.SendError(err.Error())
			return
		}
		h.ack(c, msg.Type, nil)

	case domain.OpUnreadGet:
		counts, err := h.uc.Unread(ctx, c.UserID)
		if err != nil {
			c.SendError(err.Error())
			return
		}
		c.SendJSON(domain.WSResponse{Type: domain.EventUnreadCount, Success: true, Data: counts})

	case domain.OpActionTrack:
		var data struct {
			NotificationID string `json:"notification_id"`
			Action         string `json:"action"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.NotificationID == "" {
			c.SendError("notification_id required")
			return
		}
		snapshot, err := h.uc.TrackAction(ctx, data.NotificationID, c.UserID, data.Action)
		if err != nil {
			c.SendError(err.Error())
			return
		}
		h.ack(c, msg.Type, snapshot)

	case domain.OpPreferencesGet:
		pref, err := h.uc.GetPreferences(ctx, c.UserID)
		if err != nil {
			c.SendError(err.Error())
			return
		}
		h.ack(c, msg.Type, pref)

	case domain.OpPreferencesUpdate:
		var pref domain.Preference
		if err := json.Unmarshal(msg.Data, &pref); err != nil {
			c.SendError("malformed payload")
			return
		}
		stored, err := h.uc.UpdatePreferences(ctx, c.UserID, &pref)
		if err != nil {
			c.SendError(err.Error())
			return
		}
		h.ack(c, msg.Type, stored)

	default:
		c.SendError("unknown message type: " + msg.Type)
	}
}

func (h *WSHandler) ack(c *gateway.Client, opType string, data interface{}) {
	c.SendJSON(domain.WSResponse{Type: opType, Success: true, Data: data})
}
