// Package websocket pushes live queue changes to waiting-room displays and
// staff screens. Clients subscribe to topics and receive every event
// broadcast to them.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// TopicAll receives every queue event.
const TopicAll = "queue:all"

// QueueTopic is the topic of one department's queue.
func QueueTopic(department string) string {
	return "queue:" + strings.ToUpper(department)
}

// Event is a queue change sent to clients.
type Event struct {
	Type          string          `json:"type"`
	Topic         string          `json:"topic"`
	Department    string          `json:"department"`
	AppointmentID string          `json:"appointmentId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(topic, client)
	}
}

func (h *Hub) addLocked(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) removeLocked(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe dynamically adds topics to an already-registered client.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if _, ok := h.clients[topic][client]; ok {
			continue
		}
		h.addLocked(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

// Unsubscribe dynamically removes topics from an already-registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		removeSet[t] = struct{}{}
		h.removeLocked(t, client)
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage dispatches a subscribe or unsubscribe request.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast sends an event to all clients subscribed to the given topic.
// Slow clients with a full buffer miss the event.
func (h *Hub) Broadcast(topic string, event Event) {
	event.Topic = topic
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("marshal websocket event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
			h.logger.Debug().Str("client_id", client.ID).Msg("websocket client buffer full")
		}
	}
}

// Publish broadcasts event to its department topic and to TopicAll.
func (h *Hub) Publish(_ context.Context, event Event) error {
	if event.Department != "" {
		h.Broadcast(QueueTopic(event.Department), event)
	}
	h.Broadcast(TopicAll, event)
	return nil
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a specific topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 4096
)

// WebSocketHandler upgrades HTTP connections and pumps messages between the
// socket and the hub.
type WebSocketHandler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewWebSocketHandler accepts connections from allowedOrigins. An empty list
// or "*" allows any origin.
func NewWebSocketHandler(hub *Hub, allowedOrigins []string) *WebSocketHandler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[strings.TrimSpace(o)] = true
	}
	return &WebSocketHandler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(origins) == 0 || origins["*"] || origins[origin]
			},
		},
	}
}

// RegisterRoutes registers GET /ws/queue on e.
func (wsh *WebSocketHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws/queue", wsh.HandleConnect)
}

// HandleConnect upgrades the connection. ?department=X (repeatable) selects
// the initial topics; without it the client follows every department.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	topics := []string{}
	for _, d := range c.QueryParams()["department"] {
		if d = strings.TrimSpace(d); d != "" {
			topics = append(topics, QueueTopic(d))
		}
	}
	if len(topics) == 0 {
		topics = append(topics, TopicAll)
	}

	client := &Client{
		ID:     uuid.New().String(),
		Topics: topics,
		Send:   make(chan []byte, 256),
	}
	wsh.hub.Register(client)

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

func (wsh *WebSocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
