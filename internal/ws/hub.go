// Package ws streams rate updates to WebSocket clients. One hub per server
// process consumes the broadcast subscription and fans frames out to the
// connected clients, each of which may filter to a subset of pairs.
package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kroma-labs/fxgate/internal/currency"
	"github.com/kroma-labs/fxgate/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The stream is public read-only data; no origin restriction.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Stats is the hub snapshot served on the stats endpoint.
type Stats struct {
	TotalConnections int `json:"total_connections"`
	AllPairs         int `json:"all_pairs_subscribers"`
	Filtered         int `json:"filtered_subscribers"`
}

// welcomeFrame is the first message on every connection.
type welcomeFrame struct {
	Type            string `json:"type"`
	SubscribedPairs any    `json:"subscribed_pairs"`
	Timestamp       string `json:"timestamp"`
}

// updateFrame wraps a rate update with its frame type.
type updateFrame struct {
	Type string `json:"type"`
	currency.Update
}

type client struct {
	conn *websocket.Conn
	// pairs is the subscription filter; empty means all pairs.
	pairs map[string]struct{}
	send  chan []byte
}

func (c *client) wants(pair string) bool {
	if len(c.pairs) == 0 {
		return true
	}
	_, ok := c.pairs[pair]
	return ok
}

// Hub owns the client registry and the fan-out.
type Hub struct {
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub builds an empty hub.
func NewHub(m *metrics.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		metrics: m,
		log:     logger.With().Str("component", "ws_hub").Logger(),
		clients: make(map[*client]struct{}),
	}
}

// Run forwards updates to the clients until the channel closes or ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context, updates <-chan currency.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			h.Broadcast(u)
		}
	}
}

// Broadcast sends one update to every client whose filter matches. A client
// whose send buffer is full is dropped: a subscriber that cannot keep up
// must not stall the rest.
func (h *Hub) Broadcast(u currency.Update) {
	raw, err := json.Marshal(updateFrame{Type: "rate_update", Update: u})
	if err != nil {
		h.log.Error().Err(err).Str("pair", u.Pair).Msg("failed to encode update frame")
		return
	}

	// Sends happen under the read lock and closes under the write lock,
	// so a send can never race a close.
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(u.Pair) {
			continue
		}
		select {
		case c.send <- raw:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn().Msg("dropping slow subscriber")
		h.unregister(c)
	}
}

// Stats snapshots the registry.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := Stats{TotalConnections: len(h.clients)}
	for c := range h.clients {
		if len(c.pairs) == 0 {
			s.AllPairs++
		} else {
			s.Filtered++
		}
	}
	return s
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.WSConnected()
	h.log.Info().Int("connections", n).Int("filter", len(c.pairs)).
		Msg("websocket client connected")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, present := h.clients[c]
	if present {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if present {
		h.metrics.WSDisconnected()
		h.log.Info().Int("connections", n).Msg("websocket client disconnected")
	}
}

// ServeHTTP upgrades the connection, sends the welcome frame and runs the
// client's pumps. The pairs query parameter is a comma-separated list of
// BASE/TARGET keys; absent means all pairs.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	pairs := parsePairs(r.URL.Query().Get("pairs"))
	c := &client{
		conn:  conn,
		pairs: pairs,
		send:  make(chan []byte, sendBufferSize),
	}

	if err := h.sendWelcome(c); err != nil {
		h.log.Warn().Err(err).Msg("welcome frame failed")
		_ = conn.Close()
		return
	}

	h.register(c)
	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) sendWelcome(c *client) error {
	var subscribed any = "all"
	if len(c.pairs) > 0 {
		keys := make([]string, 0, len(c.pairs))
		for pair := range c.pairs {
			keys = append(keys, pair)
		}
		subscribed = keys
	}

	raw, err := json.Marshal(welcomeFrame{
		Type:            "connection_established",
		SubscribedPairs: subscribed,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// writePump drains the send buffer onto the socket. Any write error drops
// the client.
func (h *Hub) writePump(c *client) {
	for raw := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			h.unregister(c)
			break
		}
	}
	_ = c.conn.Close()
}

// readPump exists to detect disconnects; inbound payloads are ignored.
func (h *Hub) readPump(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.unregister(c)
			return
		}
	}
}

func parsePairs(raw string) map[string]struct{} {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	pairs := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		pairs[part] = struct{}{}
	}
	return pairs
}
