// Package websocket streams governance events to connected staff clients.
// Clients subscribe to topics; the hub is a notification.Publisher, so every
// dispatched event reaches the subscribers of its topics.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/carepath/internal/platform/auth"
	"github.com/ehr/carepath/internal/platform/notification"
)

// TopicAll receives every event.
const TopicAll = "all"

// EpisodeTopic is the topic carrying events for one episode.
func EpisodeTopic(episodeID string) string { return "episode:" + episodeID }

// TypeTopic is the topic carrying one event type.
func TypeTopic(t notification.EventType) string { return "type:" + string(t) }

// ValidTopic reports whether a client may subscribe to topic.
func ValidTopic(topic string) bool {
	switch {
	case topic == TopicAll:
		return true
	case strings.HasPrefix(topic, "episode:"):
		_, err := uuid.Parse(strings.TrimPrefix(topic, "episode:"))
		return err == nil
	case strings.HasPrefix(topic, "type:"):
		return len(topic) > len("type:")
	}
	return false
}

// ClientMessage is an inbound subscription change.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is one connection. Send is closed on Unregister.
type Client struct {
	ID     string
	UserID string
	Send   chan []byte
	topics map[string]struct{}
}

func NewClient(userID string, buffer int) *Client {
	return &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		Send:   make(chan []byte, buffer),
		topics: make(map[string]struct{}),
	}
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	logger  zerolog.Logger
	dropped func()
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// OnDrop is called whenever a slow client misses a message.
func (h *Hub) OnDrop(fn func()) { h.dropped = fn }

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
}

// Unregister drops every subscription of client and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for topic := range client.topics {
		h.removeLocked(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds topics to client. Invalid topics are rejected as a whole.
func (h *Hub) Subscribe(client *Client, topics []string) error {
	for _, t := range topics {
		if !ValidTopic(t) {
			return fmt.Errorf("websocket: invalid topic %q", t)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[client]; !ok {
		return fmt.Errorf("websocket: client %s not registered", client.ID)
	}
	for _, topic := range topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
		client.topics[topic] = struct{}{}
	}
	return nil
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		h.removeLocked(topic, client)
		delete(client.topics, topic)
	}
}

func (h *Hub) removeLocked(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// ProcessMessage applies a subscribe or unsubscribe request.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) error {
	switch msg.Action {
	case "subscribe":
		return h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
		return nil
	}
	return fmt.Errorf("websocket: unknown action %q", msg.Action)
}

// Broadcast sends data once to every client subscribed to any of topics.
// Full client buffers drop the message.
func (h *Hub) Broadcast(data []byte, topics ...string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	for _, topic := range topics {
		for client := range h.clients[topic] {
			if _, dup := seen[client]; dup {
				continue
			}
			seen[client] = struct{}{}
			select {
			case client.Send <- data:
			default:
				h.logger.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("websocket client buffer full, event dropped")
				if h.dropped != nil {
					h.dropped()
				}
			}
		}
	}
	return len(seen)
}

// Publish fans a dispatched notification payload out to TopicAll, the
// event's episode topic and its type topic.
func (h *Hub) Publish(_ context.Context, _ string, payload []byte) error {
	var evt notification.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return fmt.Errorf("websocket: decode event: %w", err)
	}
	topics := []string{TopicAll, TypeTopic(evt.Type)}
	if evt.EpisodeID != "" {
		topics = append(topics, EpisodeTopic(evt.EpisodeID))
	}
	h.Broadcast(payload, topics...)
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

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

// Handler upgrades staff connections at GET /events/ws.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler accepts connections whose Origin is in allowedOrigins. A
// request without an Origin header (non-browser client) is accepted.
func NewHandler(hub *Hub, allowedOrigins []string, logger zerolog.Logger) *Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimSpace(o)] = struct{}{}
	}
	return &Handler{
		hub:    hub,
		logger: logger,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := allowed[origin]
				if !ok {
					_, ok = allowed["*"]
				}
				return ok
			},
		},
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := api.Group("", auth.RequireRole(auth.RoleSurgeon, auth.RoleClinician, auth.RoleScheduler))
	staff.GET("/events/ws", h.Connect)
}

// Connect upgrades the request. Initial topics may be passed as repeated
// ?topic= query parameters.
func (h *Handler) Connect(c echo.Context) error {
	initial := c.QueryParams()["topic"]
	for _, t := range initial {
		if !ValidTopic(t) {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid topic %q", t))
		}
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	client := NewClient(auth.UserIDFromContext(c.Request().Context()), 256)
	h.hub.Register(client)
	if len(initial) > 0 {
		_ = h.hub.Subscribe(client, initial)
	}
	h.logger.Info().Str("client_id", client.ID).Str("user_id", client.UserID).Msg("websocket client connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
		h.logger.Info().Str("client_id", client.ID).Msg("websocket client disconnected")
	}()

	ws.SetReadLimit(maxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if err := h.hub.ProcessMessage(client, msg); err != nil {
			h.logger.Debug().Err(err).Str("client_id", client.ID).Msg("websocket message rejected")
		}
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
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
