package serve

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"*", "anything", true},
		{"identities:*", "identities:alpha", true},
		{"identities:*", "global:events", false},
		{"identities:alpha", "identities:alpha", true},
		{"identities:alpha", "identities:beta", false},
		{"global:events", "global:events", true},
	}
	for _, tc := range cases {
		if got := matchTopic(tc.pattern, tc.topic); got != tc.want {
			t.Errorf("matchTopic(%q, %q) = %v, want %v", tc.pattern, tc.topic, got, tc.want)
		}
	}
}

func TestIsValidTopic(t *testing.T) {
	valid := []string{"*", "global", "global:*", "global:events", "identities:alpha", "identities:*"}
	for _, topic := range valid {
		if !isValidTopic(topic) {
			t.Errorf("isValidTopic(%q) = false, want true", topic)
		}
	}
	invalid := []string{"", "tasks:alpha", "bogus"}
	for _, topic := range invalid {
		if isValidTopic(topic) {
			t.Errorf("isValidTopic(%q) = true, want false", topic)
		}
	}
}

// dialTestServer upgrades a client connection against the rig's router.
func dialTestServer(t *testing.T, rig *testRig) *websocket.Conn {
	t.Helper()

	go rig.srv.wsHub.Run()
	t.Cleanup(rig.srv.wsHub.Stop)

	ts := httptest.NewServer(rig.srv.Router())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketSubscribeAndReceive(t *testing.T) {
	rig := setupTestServer(t, AuthConfig{})
	conn := dialTestServer(t, rig)

	// Subscribe to everything.
	sub := WSMessage{Type: WSMsgSubscribe, RequestID: "r1", Data: map[string]any{"topics": []any{"*"}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != WSMsgAck || ack.RequestID != "r1" {
		t.Fatalf("ack = %+v", ack)
	}

	// An event published on the hub reaches the subscriber.
	rig.srv.WSHub().Publish("identities:alpha", "task_queued", map[string]string{"task_id": "t1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev WSEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != WSMsgEvent || ev.Topic != "identities:alpha" || ev.EventType != "task_queued" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Seq != 1 {
		t.Errorf("seq = %d, want 1", ev.Seq)
	}

	// Ping round-trip.
	if err := conn.WriteJSON(WSMessage{Type: WSMsgPing, RequestID: "r2"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong WSMessage
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.Type != WSMsgPong || pong.RequestID != "r2" {
		t.Fatalf("pong = %+v", pong)
	}
}

func TestWebSocketRejectsBadFrames(t *testing.T) {
	rig := setupTestServer(t, AuthConfig{})
	conn := dialTestServer(t, rig)

	// Unknown message type.
	if err := conn.WriteJSON(WSMessage{Type: "bogus", RequestID: "r1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var wsErr WSError
	if err := conn.ReadJSON(&wsErr); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if wsErr.Type != WSMsgError || wsErr.Code != "unknown_type" {
		t.Fatalf("error frame = %+v", wsErr)
	}

	// Invalid topic.
	sub := WSMessage{Type: WSMsgSubscribe, RequestID: "r2", Data: map[string]any{"topics": []any{"tasks:alpha"}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&wsErr); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if wsErr.Code != "invalid_topic" {
		t.Fatalf("error frame = %+v", wsErr)
	}

	// Subscribe without topics.
	if err := conn.WriteJSON(WSMessage{Type: WSMsgSubscribe, RequestID: "r3"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&wsErr); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if wsErr.Code != "missing_topics" {
		t.Fatalf("error frame = %+v", wsErr)
	}
}

func TestWebSocketUnsubscribeStopsDelivery(t *testing.T) {
	rig := setupTestServer(t, AuthConfig{})
	conn := dialTestServer(t, rig)

	sub := WSMessage{Type: WSMsgSubscribe, RequestID: "r1", Data: map[string]any{"topics": []any{"identities:alpha"}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}

	unsub := WSMessage{Type: WSMsgUnsubscribe, RequestID: "r2", Data: map[string]any{"topics": []any{"identities:alpha"}}}
	if err := conn.WriteJSON(unsub); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}

	// Nothing should arrive for the dropped topic.
	rig.srv.WSHub().Publish("identities:alpha", "task_queued", nil)
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var ev WSEvent
	if err := conn.ReadJSON(&ev); err == nil {
		t.Fatalf("unexpected frame after unsubscribe: %+v", ev)
	}
}
