package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"notification-service/internal/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is one live websocket connection for a user. A user may hold any
// number of clients at once (several tabs, several devices).
type Client struct {
	ID     string
	UserID string
	Device string
	Conn   *websocket.Conn
	Send   chan []byte

	gw *Gateway
}

func newClient(gw *Gateway, conn *websocket.Conn, userID, device string) *Client {
	return &Client{
		ID:     fmt.Sprintf("%s_%d", userID, time.Now().UnixNano()),
		UserID: userID,
		Device: device,
		Conn:   conn,
		Send:   make(chan []byte, gw.cfg.SendBuffer),
		gw:     gw,
	}
}

// readPump pumps messages from the connection to the gateway's message
// handler. It owns the connection teardown.
func (c *Client) readPump() {
	defer func() {
		c.gw.drop(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(c.gw.cfg.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.gw.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.gw.logger.Error("websocket read error",
					zap.String("client_id", c.ID),
					zap.Error(err))
			}
			break
		}
		c.gw.dispatch(c, message)
	}
}

// writePump pumps queued messages to the connection and keeps it alive
// with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.gw.pingPeriod())
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Drain whatever queued up behind this message.
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendJSON queues a JSON message for the client. A full buffer drops the
// message rather than blocking the caller.
func (c *Client) SendJSON(v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.gw.logger.Error("failed to marshal ws message",
			zap.String("client_id", c.ID),
			zap.Error(err))
		return false
	}

	select {
	case c.Send <- data:
		return true
	default:
		c.gw.logger.Warn("client send buffer full",
			zap.String("client_id", c.ID),
			zap.String("user_id", c.UserID))
		return false
	}
}

func (c *Client) SendError(message string) {
	c.SendJSON(&domain.WSResponse{
		Type:    domain.EventError,
		Success: false,
		Error:   message,
	})
}
