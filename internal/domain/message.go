package domain

import "encoding/json"

// WSMessage is a client-originated frame; Type selects the operation.
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// WSResponse is a server-originated frame, both for operation replies and
// for pushed events.
type WSResponse struct {
	Type    string      `json:"type"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Server-pushed event types.
const (
	EventNotificationNew     = "notification.new"
	EventNotificationRead    = "notification.read"
	EventNotificationDeleted = "notification.deleted"
	EventUnreadCount         = "unread.count"
	EventPreferencesUpdated  = "preferences.updated"
	EventConnectionStatus    = "connection.status"
	EventError               = "error"
)

// Client operation types.
const (
	OpMarkRead          = "notification.mark_read"
	OpMarkAllRead       = "notification.mark_all_read"
	OpDelete            = "notification.delete"
	OpUnreadGet         = "unread.get"
	OpActionTrack       = "action.track"
	OpPreferencesGet    = "preferences.get"
	OpPreferencesUpdate = "preferences.update"
	OpPing              = "ping"
)
