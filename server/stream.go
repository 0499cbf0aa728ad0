package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perpflow/logger"
	"perpflow/store"
)

const (
	maxStreamClients    = 100
	streamWriteTimeout  = 10 * time.Second
	streamPongTimeout   = 60 * time.Second
	streamPingInterval  = 30 * time.Second
	clientSendBufferLen = 16
)

// streamMessage is one frame pushed to dashboard clients.
type streamMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Time string      `json:"time"`
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans the periodic composite snapshot out to websocket clients. A
// client that cannot keep up is dropped, not waited for.
type Hub struct {
	store    *store.UnifiedStore
	interval time.Duration
	log      *logger.Log

	mu       sync.RWMutex
	clients  map[*streamClient]bool
	register chan *streamClient
	drop     chan *streamClient
	done     chan struct{}
	upgrader websocket.Upgrader
}

func NewHub(s *store.UnifiedStore, interval time.Duration) *Hub {
	return &Hub{
		store:    s,
		interval: interval,
		log:      logger.GetLogger(),
		clients:  make(map[*streamClient]bool),
		register: make(chan *streamClient),
		drop:     make(chan *streamClient),
		done:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Run owns the client set and the broadcast cadence until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	log := h.log.WithComponent("stream_hub")
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				client.conn.Close()
			}
			h.clients = make(map[*streamClient]bool)
			h.mu.Unlock()
			log.Info("stream hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			log.WithFields(logger.Fields{"clients": n}).Info("stream client connected")

		case client := <-h.drop:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			log.WithFields(logger.Fields{"clients": n}).Info("stream client disconnected")

		case <-ticker.C:
			h.broadcastSnapshot()
		}
	}
}

func (h *Hub) broadcastSnapshot() {
	h.mu.RLock()
	idle := len(h.clients) == 0
	h.mu.RUnlock()
	if idle {
		return
	}

	msg := streamMessage{
		Type: "snapshot",
		Data: h.store.Snapshot(),
		Time: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.WithComponent("stream_hub").WithError(err).Error("snapshot marshal failed")
		return
	}

	h.mu.Lock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Slow consumer; close its pump and let readPump unregister.
			delete(h.clients, client)
			close(client.send)
		}
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected stream clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades one dashboard connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	atCapacity := len(h.clients) >= maxStreamClients
	h.mu.RUnlock()
	if atCapacity {
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithComponent("stream_hub").WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &streamClient{conn: conn, send: make(chan []byte, clientSendBufferLen)}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump(h)
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(streamPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains inbound frames so pings are answered; clients have
// nothing meaningful to send.
func (c *streamClient) readPump(h *Hub) {
	defer func() {
		select {
		case h.drop <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
