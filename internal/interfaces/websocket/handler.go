// Package websocket is the push half of the IPC surface: a hub that
// fans operational frames (relayed events, monitoring snapshots) out
// to every connected operator tool. Traffic is one-way apart from
// ping/pong keepalives; the HTTP half owns all mutation.
package websocket

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType tags a push frame.
type MessageType string

const (
	// MessageTypeEvent carries a relayed eventbus publication (cron
	// fired, workflow transitioned). Memory-ingestion events are not
	// relayed.
	MessageTypeEvent MessageType = "event"
	// MessageTypeSnapshot carries a periodic monitoring snapshot map.
	MessageTypeSnapshot MessageType = "snapshot"
	// MessageTypePing / MessageTypePong are the application-level
	// keepalive a browser client can use instead of protocol pings.
	MessageTypePing MessageType = "ping"
	MessageTypePong MessageType = "pong"
)

// WSMessage is the envelope every push frame uses.
type WSMessage struct {
	Type      MessageType            `json:"type"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

const (
	sendBuffer    = 256
	writeDeadline = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 30 * time.Second
	maxFrameBytes = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // loopback-only surface; origin checks add nothing
	},
}

// client is one accepted connection; it only ever receives.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans frames out to every connected client. A client whose send
// buffer is full is dropped — a stalled operator tool must not back
// up the push path.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	logger  *zap.Logger

	// lastSnapshot de-duplicates consecutive identical snapshot
	// frames, so an unchanged monitoring snapshot is not re-broadcast
	// every tick. Event frames are never deduplicated: two identical
	// cron outcomes in a row are two real occurrences.
	lastSnapshot [32]byte
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
}

// Run blocks until ctx is cancelled, then closes every connection.
// Registration and broadcast are mutex-guarded rather than
// channel-routed; the client set is small and operations are brief.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

// Broadcast pushes msg to every connected client. Consecutive
// identical snapshots are skipped.
func (h *Hub) Broadcast(msg *WSMessage) {
	body, err := json.Marshal(msg.Metadata)
	if err != nil {
		return
	}

	h.mu.Lock()
	if msg.Type == MessageTypeSnapshot {
		digest := sha256.Sum256(body)
		if h.lastSnapshot == digest {
			h.mu.Unlock()
			return
		}
		h.lastSnapshot = digest
	}

	msg.Timestamp = time.Now().Unix()
	frame, err := json.Marshal(msg)
	if err != nil {
		h.mu.Unlock()
		return
	}
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			close(c.send)
			delete(h.clients, c)
			h.logger.Warn("ws: slow client dropped")
		}
	}
	h.mu.Unlock()
}

// GetClientCount reports how many operator tools are connected.
func (h *Hub) GetClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) attach(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws: client connected", zap.Int("clients", n))
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.logger.Info("ws: client disconnected")
}

// Handler upgrades HTTP requests into hub clients.
type Handler struct {
	hub    *Hub
	logger *zap.Logger
}

func NewHandler(hub *Hub, logger *zap.Logger) *Handler {
	return &Handler{hub: hub, logger: logger}
}

// ServeWS upgrades the connection and starts its pumps.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.hub.attach(c)
	go h.writePump(c)
	go h.readPump(c)
}

// readPump consumes inbound frames. The only one acted on is the
// application-level ping; everything else is discarded (this surface
// pushes, it does not accept commands).
func (h *Handler) readPump(c *client) {
	defer func() {
		h.hub.detach(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("ws: read error", zap.Error(err))
			}
			return
		}
		var msg WSMessage
		if json.Unmarshal(raw, &msg) == nil && msg.Type == MessageTypePing {
			pong, _ := json.Marshal(&WSMessage{Type: MessageTypePong, Timestamp: time.Now().Unix()})
			select {
			case c.send <- pong:
			default:
			}
		}
	}
}

func (h *Handler) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
