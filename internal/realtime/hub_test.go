package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepay/healthcredit/internal/auth"
	"github.com/carepay/healthcredit/internal/events"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func runHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
}

func TestClient_Wants(t *testing.T) {
	c := &Client{ownerID: "owner-1"}
	mine := events.Event{Type: events.LoanUpdated, OwnerID: "owner-1"}
	theirs := events.Event{Type: events.LoanUpdated, OwnerID: "owner-2"}

	assert.True(t, c.wants(mine))
	assert.False(t, c.wants(theirs))

	c.sub = Subscription{Types: []events.Type{events.CardTransaction}}
	assert.False(t, c.wants(mine))
	assert.True(t, c.wants(events.Event{Type: events.CardTransaction, OwnerID: "owner-1"}))
}

func TestHub_DeliversOnlyToOwner(t *testing.T) {
	h := testHub()
	runHub(t, h)

	alice := &Client{hub: h, ownerID: "alice", send: make(chan []byte, 8)}
	bob := &Client{hub: h, ownerID: "bob", send: make(chan []byte, 8)}
	h.register <- alice
	h.register <- bob

	h.Publish(context.Background(), events.New(events.CardTransaction, "alice", "hc_1", map[string]any{"amount": 500}))

	select {
	case msg := <-alice.send:
		var ev events.Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		assert.Equal(t, events.CardTransaction, ev.Type)
		assert.Equal(t, "hc_1", ev.Subject)
	case <-time.After(time.Second):
		t.Fatal("owner did not receive the event")
	}
	select {
	case <-bob.send:
		t.Fatal("event leaked to another owner")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_DropsEventsWithoutOwner(t *testing.T) {
	h := testHub()
	h.Publish(context.Background(), events.Event{Type: events.CardStatus})
	assert.Empty(t, h.broadcast)
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	runHub(t, h)

	client := &Client{hub: h, ownerID: "owner-1", send: make(chan []byte, 1)}
	h.register <- client
	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 1 }, time.Second, 5*time.Millisecond)

	h.unregister <- client
	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"].(int64))
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	h := testHub()
	runHub(t, h)

	slow := &Client{hub: h, ownerID: "owner-1", send: make(chan []byte)}
	h.register <- slow
	h.Publish(context.Background(), events.New(events.LoanUpdated, "owner-1", "loan_1", nil))

	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://api.example.com/ws", nil)
		r.Host = "api.example.com"
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, check(req("")))
	assert.True(t, check(req("https://api.example.com")))
	assert.True(t, check(req("https://app.example.com")))
	assert.False(t, check(req("https://evil.example.com")))
	assert.True(t, originChecker([]string{"*"})(req("https://anything.test")))
}

func TestHandle_StreamsOwnEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := testHub()
	runHub(t, h)

	v, err := auth.NewVerifier("0123456789abcdef0123456789abcdef", "")
	require.NoError(t, err)
	r := gin.New()
	r.GET("/ws", auth.Middleware(v), h.Handle)
	srv := httptest.NewServer(r)
	defer srv.Close()

	tok, err := v.Issue("owner-1", nil, time.Hour)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?access_token="+tok, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 1 }, time.Second, 5*time.Millisecond)
	h.Publish(context.Background(), events.New(events.KYCUpdated, "owner-2", "owner-2", nil))
	h.Publish(context.Background(), events.New(events.KYCUpdated, "owner-1", "owner-1", map[string]string{"status": "completed"}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev events.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "owner-1", ev.OwnerID)
}
