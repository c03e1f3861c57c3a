package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"notification-service/internal/config"
	"notification-service/internal/domain"
	"notification-service/internal/repository"
)

func testGatewayConfig() config.GatewayConfig {
	return config.GatewayConfig{
		WriteWait:  time.Second,
		PongWait:   5 * time.Second,
		SendBuffer: 16,
	}
}

// newGatewayServer exposes a gateway behind a bare upgrade endpoint; the
// user comes from the query string since these tests exercise transport, not
// authentication.
func newGatewayServer(t *testing.T, store repository.NotificationStore) (*Gateway, *httptest.Server) {
	t.Helper()

	gw := New(testGatewayConfig(), NewLocalRegistry(), store, zap.NewNop())
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		gw.Accept(r.Context(), conn, r.URL.Query().Get("user"), "test")
	}))
	t.Cleanup(srv.Close)
	return gw, srv
}

func dialUser(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// pendingParts carries documents already read off a connection but not yet
// consumed: a frame read while waiting for one event type may also hold the
// next awaited type behind it.
var pendingParts = make(map[*websocket.Conn][][]byte)

// awaitType reads frames until one carries the wanted event type. The write
// pump coalesces queued messages into newline-joined frames, so each frame
// may hold several documents.
func awaitType(t *testing.T, conn *websocket.Conn, eventType string) domain.WSResponse {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		parts := pendingParts[conn]
		if len(parts) == 0 {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("waiting for %q: %v", eventType, err)
			}
			parts = bytes.Split(raw, []byte{'\n'})
		}
		for i, part := range parts {
			if len(bytes.TrimSpace(part)) == 0 {
				continue
			}
			var resp domain.WSResponse
			if err := json.Unmarshal(part, &resp); err != nil {
				t.Fatalf("bad frame %q: %v", part, err)
			}
			if resp.Type == eventType {
				pendingParts[conn] = parts[i+1:]
				return resp
			}
		}
		delete(pendingParts, conn)
	}
}

func assertSilent(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "expected no further frames")
}

func TestGatewayConnectSendsStatusAndUnread(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	store := repository.NewMemNotificationStore()
	assert.NoError(store.Create(ctx, &domain.Notification{
		ID:          "ntf_1",
		Type:        domain.TypeSocial,
		Priority:    domain.PriorityMedium,
		RecipientID: "usr_1",
		Content:     domain.Content{Title: "hi"},
		ExpiresAt:   time.Now().Add(time.Hour),
	}))

	gw, srv := newGatewayServer(t, store)
	conn := dialUser(t, srv, "usr_1")

	status := awaitType(t, conn, domain.EventConnectionStatus)
	assert.True(status.Success)
	assert.Equal("connected", status.Message)

	unread := awaitType(t, conn, domain.EventUnreadCount)
	data, ok := unread.Data.(map[string]interface{})
	if assert.True(ok) {
		assert.EqualValues(1, data["total"])
	}

	assert.Equal(1, gw.Registry().CountUser("usr_1"))
}

func TestGatewayDeliverReachesEveryUserConnection(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	gw, srv := newGatewayServer(t, repository.NewMemNotificationStore())
	first := dialUser(t, srv, "usr_1")
	second := dialUser(t, srv, "usr_1")
	other := dialUser(t, srv, "usr_2")

	// Greetings confirm registration before the push.
	awaitType(t, first, domain.EventUnreadCount)
	awaitType(t, second, domain.EventUnreadCount)
	awaitType(t, other, domain.EventUnreadCount)

	n := &domain.Notification{
		ID:          "ntf_1",
		Type:        domain.TypeSecurity,
		Priority:    domain.PriorityCritical,
		RecipientID: "usr_1",
		Content:     domain.Content{Title: "login from new device"},
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	result := gw.Deliver(ctx, n)
	assert.Equal(PushDelivered, result)

	for _, conn := range []*websocket.Conn{first, second} {
		resp := awaitType(t, conn, domain.EventNotificationNew)
		data, ok := resp.Data.(map[string]interface{})
		if assert.True(ok) {
			assert.Equal("ntf_1", data["id"])
		}
	}
	assertSilent(t, other)
}

func TestGatewayDeliverWithoutListeners(t *testing.T) {
	assert := assert.New(t)

	gw := New(testGatewayConfig(), NewLocalRegistry(), repository.NewMemNotificationStore(), zap.NewNop())
	result := gw.Deliver(context.Background(), &domain.Notification{ID: "ntf_1", RecipientID: "usr_ghost"})
	assert.Equal(PushNoListener, result)
}

func TestGatewayDispatchesInboundMessages(t *testing.T) {
	assert := assert.New(t)

	gw, srv := newGatewayServer(t, repository.NewMemNotificationStore())
	gw.SetMessageHandler(func(ctx context.Context, c *Client, raw []byte) {
		c.SendJSON(&domain.WSResponse{Type: "echo", Success: true, Data: string(raw)})
	})

	conn := dialUser(t, srv, "usr_1")
	awaitType(t, conn, domain.EventUnreadCount)

	assert.NoError(conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	resp := awaitType(t, conn, "echo")
	assert.Equal(`{"type":"ping"}`, resp.Data)
}

func TestGatewayDisconnectCleansRegistry(t *testing.T) {
	assert := assert.New(t)

	gw, srv := newGatewayServer(t, repository.NewMemNotificationStore())
	conn := dialUser(t, srv, "usr_1")
	awaitType(t, conn, domain.EventUnreadCount)
	assert.Equal(1, gw.Registry().CountUser("usr_1"))

	conn.Close()

	assert.Eventually(func() bool {
		return gw.Registry().CountUser("usr_1") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayFansOutAcrossInstances(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	// Two service instances sharing one redis; the client sits on the second.
	gw1 := New(testGatewayConfig(), NewLocalRegistry(), repository.NewMemNotificationStore(), zap.NewNop())
	relay1 := NewRelay(rdb, "relay:test", gw1, zap.NewNop())
	gw1.SetRelay(relay1)
	assert.NoError(relay1.Start(ctx))
	t.Cleanup(func() { relay1.Stop() })

	gw2, srv := newGatewayServer(t, repository.NewMemNotificationStore())
	relay2 := NewRelay(rdb, "relay:test", gw2, zap.NewNop())
	gw2.SetRelay(relay2)
	assert.NoError(relay2.Start(ctx))
	t.Cleanup(func() { relay2.Stop() })

	conn := dialUser(t, srv, "usr_1")
	awaitType(t, conn, domain.EventUnreadCount)

	// Pushed on the instance without the connection, received through the
	// relay on the instance with it.
	sent := gw1.PushEvent(ctx, "usr_1", "auction.outbid", map[string]string{"auction_id": "auc_9"})
	assert.Zero(sent)

	resp := awaitType(t, conn, "auction.outbid")
	data, ok := resp.Data.(map[string]interface{})
	if assert.True(ok) {
		assert.Equal("auc_9", data["auction_id"])
	}
}

func TestRelaySkipsOwnEvents(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	gw, srv := newGatewayServer(t, repository.NewMemNotificationStore())
	relay := NewRelay(rdb, "relay:test", gw, zap.NewNop())
	gw.SetRelay(relay)
	assert.NoError(relay.Start(ctx))
	t.Cleanup(func() { relay.Stop() })

	conn := dialUser(t, srv, "usr_1")
	awaitType(t, conn, domain.EventUnreadCount)

	sent := gw.PushEvent(ctx, "usr_1", "wallet.credited", map[string]string{"amount": "25"})
	assert.Equal(1, sent)

	// The local push arrives once; the relayed copy of our own event is
	// filtered by origin, so nothing else follows.
	awaitType(t, conn, "wallet.credited")
	assertSilent(t, conn)
}
