package serve

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket message types.
const (
	WSMsgSubscribe   = "subscribe"
	WSMsgUnsubscribe = "unsubscribe"
	WSMsgEvent       = "event"
	WSMsgError       = "error"
	WSMsgAck         = "ack"
	WSMsgPing        = "ping"
	WSMsgPong        = "pong"
)

// WSMessage is the frame clients send and receive for control traffic.
type WSMessage struct {
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// WSEvent is a broadcast frame carrying one bus event.
type WSEvent struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Topic     string `json:"topic"`
	EventType string `json:"event_type"`
	Seq       int64  `json:"seq"`
	Data      any    `json:"data,omitempty"`
}

// WSError is an error frame.
type WSError struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// WebSocket timeouts.
const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4096
)

// wsUpgrader accepts every origin here because origin validation happens
// in handleWebSocket, which has the configured allowlist. CORS middleware
// does not apply to upgrade requests.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSClient is one connected WebSocket consumer.
type WSClient struct {
	id       string
	conn     *websocket.Conn
	hub      *WSHub
	send     chan []byte
	topics   map[string]struct{}
	topicsMu sync.RWMutex
}

// WSHub tracks connected clients and fans events out to them.
type WSHub struct {
	clients    map[*WSClient]struct{}
	clientsMu  sync.RWMutex
	register   chan *WSClient
	unregister chan *WSClient
	broadcast  chan *WSEvent
	seq        int64
	seqMu      sync.Mutex
	done       chan struct{}
}

// NewWSHub creates an empty hub. Run must be started for clients to work.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]struct{}),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		broadcast:  make(chan *WSEvent, 256),
		done:       make(chan struct{}),
	}
}

// Run is the hub's main loop. It owns the client set.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			return
		case client := <-h.register:
			h.clientsMu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.clientsMu.Unlock()
			slog.Debug("ws client connected", "id", client.id, "total", total)
		case client := <-h.unregister:
			h.clientsMu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.clientsMu.Unlock()
			slog.Debug("ws client disconnected", "id", client.id, "total", total)
		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

// Stop shuts down the hub loop.
func (h *WSHub) Stop() {
	close(h.done)
}

func (h *WSHub) nextSeq() int64 {
	h.seqMu.Lock()
	defer h.seqMu.Unlock()
	h.seq++
	return h.seq
}

// broadcastEvent marshals once and hands the frame to every subscribed
// client, dropping it for clients whose buffers are full.
func (h *WSHub) broadcastEvent(event *WSEvent) {
	event.Seq = h.nextSeq()
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("ws marshal failed", "error", err)
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for client := range h.clients {
		if !client.isSubscribed(event.Topic) {
			continue
		}
		select {
		case client.send <- data:
		default:
			slog.Debug("ws client buffer full", "id", client.id)
		}
	}
}

// Publish queues an event for broadcast without blocking the caller.
func (h *WSHub) Publish(topic, eventType string, data any) {
	event := &WSEvent{
		Type:      WSMsgEvent,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Topic:     topic,
		EventType: eventType,
		Data:      data,
	}
	select {
	case h.broadcast <- event:
	default:
		slog.Debug("ws broadcast buffer full, dropping event", "topic", topic)
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// WSHub returns the hub, mainly for tests.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// ========================================================================
// Topics
// ========================================================================

// matchTopic reports whether a subscription pattern covers a topic.
// "*" matches everything, "prefix:*" matches prefix:anything, and
// anything else is an exact match.
func matchTopic(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == topic
}

// isValidTopic limits subscriptions to the topics the bridge publishes:
// the global feed and per-identity feeds.
func isValidTopic(topic string) bool {
	if topic == "" {
		return false
	}
	if topic == "*" || topic == "global" || topic == "global:*" || topic == "global:events" {
		return true
	}
	return strings.HasPrefix(topic, "identities:")
}

func (c *WSClient) isSubscribed(topic string) bool {
	c.topicsMu.RLock()
	defer c.topicsMu.RUnlock()
	if _, ok := c.topics[topic]; ok {
		return true
	}
	for pattern := range c.topics {
		if matchTopic(pattern, topic) {
			return true
		}
	}
	return false
}

// Subscribe adds topics to the client's subscription set.
func (c *WSClient) Subscribe(topics []string) {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	for _, topic := range topics {
		c.topics[topic] = struct{}{}
	}
}

// Unsubscribe removes topics from the client's subscription set.
func (c *WSClient) Unsubscribe(topics []string) {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	for _, topic := range topics {
		delete(c.topics, topic)
	}
}

// Topics returns the client's subscribed topics.
func (c *WSClient) Topics() []string {
	c.topicsMu.RLock()
	defer c.topicsMu.RUnlock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	return topics
}

// ========================================================================
// Connection handling
// ========================================================================

// handleWebSocket upgrades the connection and starts the client pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Origin validation lives here, not in CORS middleware, because the
	// middleware never sees upgrade requests.
	if !s.checkWSOrigin(r) {
		reqID := requestIDFromContext(r.Context())
		writeErrorResponse(w, http.StatusForbidden, ErrCodeForbidden, "origin not allowed", "", reqID)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		id:     generateRequestID(),
		conn:   conn,
		hub:    s.wsHub,
		send:   make(chan []byte, 256),
		topics: make(map[string]struct{}),
	}
	s.wsHub.register <- client

	go client.writePump()
	go client.readPump()
}

func (s *Server) checkWSOrigin(r *http.Request) bool {
	if s.auth.Mode == AuthModeLocal || s.auth.Mode == "" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no origin.
		return true
	}
	return originAllowed(origin, s.origins)
}

// readPump reads control frames until the connection drops.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("ws read error", "id", c.id, "error", err)
			}
			return
		}
		c.handleMessage(message)
	}
}

// writePump writes queued frames and keeps the connection alive with
// pings.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Drain whatever queued behind this frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "parse_error", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSMsgSubscribe:
		c.handleSubscribe(msg)
	case WSMsgUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSMsgPing:
		c.sendPong(msg.RequestID)
	default:
		c.sendError(msg.RequestID, "unknown_type", fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (c *WSClient) handleSubscribe(msg WSMessage) {
	topics, errCode, errMsg := topicsFromMessage(msg)
	if errCode != "" {
		c.sendError(msg.RequestID, errCode, errMsg)
		return
	}
	for _, topic := range topics {
		if !isValidTopic(topic) {
			c.sendError(msg.RequestID, "invalid_topic", fmt.Sprintf("invalid topic: %s", topic))
			return
		}
	}

	c.Subscribe(topics)
	c.sendAck(msg.RequestID, map[string]any{
		"subscribed": topics,
		"total":      len(c.Topics()),
	})
}

func (c *WSClient) handleUnsubscribe(msg WSMessage) {
	topics, errCode, errMsg := topicsFromMessage(msg)
	if errCode != "" {
		c.sendError(msg.RequestID, errCode, errMsg)
		return
	}

	c.Unsubscribe(topics)
	c.sendAck(msg.RequestID, map[string]any{
		"unsubscribed": topics,
		"total":        len(c.Topics()),
	})
}

// topicsFromMessage pulls the topics array out of a control frame.
func topicsFromMessage(msg WSMessage) (topics []string, errCode, errMsg string) {
	raw, ok := msg.Data["topics"]
	if !ok {
		return nil, "missing_topics", msg.Type + " requires topics array"
	}
	slice, ok := raw.([]any)
	if !ok {
		return nil, "invalid_topics", "topics must be an array"
	}
	for _, t := range slice {
		if str, ok := t.(string); ok {
			topics = append(topics, str)
		}
	}
	if len(topics) == 0 {
		return nil, "empty_topics", "at least one topic required"
	}
	return topics, "", ""
}

func (c *WSClient) sendError(requestID, code, message string) {
	frame := WSError{
		Type:      WSMsgError,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		RequestID: requestID,
		Code:      code,
		Message:   message,
	}
	c.enqueue(frame)
}

func (c *WSClient) sendAck(requestID string, data map[string]any) {
	frame := WSMessage{
		Type:      WSMsgAck,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		RequestID: requestID,
		Data:      data,
	}
	c.enqueue(frame)
}

func (c *WSClient) sendPong(requestID string) {
	frame := WSMessage{
		Type:      WSMsgPong,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		RequestID: requestID,
	}
	c.enqueue(frame)
}

// enqueue marshals a frame onto the send channel, dropping it if the
// client is too far behind.
func (c *WSClient) enqueue(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Debug("ws client buffer full, dropping frame", "id", c.id)
	}
}
