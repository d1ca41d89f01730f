// Package ws is the websocket hub. Broadcasts fan out to per-client buffered
// channels so a slow consumer can never block the monitoring cycle; a full
// client buffer drops the message for that client.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/harborwatch/harborwatch/internal/observability"
)

// Room names follow the "severity:<level>" convention plus the all-room.
const (
	RoomAll      = "severity:all"
	RoomCritical = "severity:critical"
	RoomWarning  = "severity:warning"
	RoomInfo     = "severity:info"
)

// Message is the frame sent to clients
type Message struct {
	Event string      `json:"event"`
	Room  string      `json:"room"`
	Data  interface{} `json:"data"`
}

const clientBuffer = 64

type client struct {
	conn  *websocket.Conn
	rooms map[string]bool
	send  chan Message
}

// Namespace groups clients that subscribed to one logical stream
// (monitoring, remediation).
type Namespace struct {
	name    string
	mu      sync.RWMutex
	clients map[*client]bool
	logger  observability.Logger
}

// Hub owns all namespaces
type Hub struct {
	mu         sync.RWMutex
	namespaces map[string]*Namespace
	logger     observability.Logger
}

// NewHub creates an empty hub
func NewHub(logger observability.Logger) *Hub {
	return &Hub{
		namespaces: make(map[string]*Namespace),
		logger:     logger,
	}
}

// Namespace returns (creating if needed) the named namespace
func (h *Hub) Namespace(name string) *Namespace {
	h.mu.Lock()
	defer h.mu.Unlock()
	ns, ok := h.namespaces[name]
	if !ok {
		ns = &Namespace{
			name:    name,
			clients: make(map[*client]bool),
			logger:  h.logger.WithPrefix("ws." + name),
		}
		h.namespaces[name] = ns
	}
	return ns
}

// Broadcast sends a message to every client joined to room in this
// namespace. Never blocks: clients with full buffers miss the message.
func (ns *Namespace) Broadcast(room, event string, data interface{}) {
	if ns == nil {
		return
	}
	msg := Message{Event: event, Room: room, Data: data}

	ns.mu.RLock()
	defer ns.mu.RUnlock()
	for c := range ns.clients {
		if !c.rooms[room] {
			continue
		}
		select {
		case c.send <- msg:
		default:
			ns.logger.Debug("Dropping frame for slow websocket client", map[string]interface{}{
				"event": event,
				"room":  room,
			})
		}
	}
}

// ClientCount returns the number of connected clients
func (ns *Namespace) ClientCount() int {
	if ns == nil {
		return 0
	}
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.clients)
}

// Serve upgrades the request and pumps broadcasts to the client until the
// connection drops. rooms lists the rooms the client joins; an empty list
// joins the all-room.
func (ns *Namespace) Serve(w http.ResponseWriter, r *http.Request, rooms []string) error {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return err
	}

	if len(rooms) == 0 {
		rooms = []string{RoomAll}
	}
	roomSet := make(map[string]bool, len(rooms))
	for _, room := range rooms {
		roomSet[room] = true
	}

	c := &client{
		conn:  conn,
		rooms: roomSet,
		send:  make(chan Message, clientBuffer),
	}

	ns.mu.Lock()
	ns.clients[c] = true
	ns.mu.Unlock()

	defer func() {
		ns.mu.Lock()
		delete(ns.clients, c)
		ns.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.send:
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return nil
			}
		}
	}
}
