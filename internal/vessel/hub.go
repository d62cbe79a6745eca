// Package vessel maintains the persistent bidirectional channels to remote
// executors. One authenticated WebSocket per vessel identity; a sender
// goroutine owns all writes and a reader goroutine owns all reads, so no
// frame is ever written concurrently.
package vessel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vesselproject/relay/internal/audit"
	"github.com/vesselproject/relay/internal/task"
)

const (
	handshakeWait = 10 * time.Second
	writeWait     = 10 * time.Second
	maxMsgSize    = 512 * 1024
	sendBuffer    = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Vessels are headless clients, not browsers; Origin carries no signal.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Inbound message shapes.
type inboundMsg struct {
	Type      string                 `json:"type"`
	TaskID    string                 `json:"task_id"`
	Status    string                 `json:"status"`
	Result    map[string]interface{} `json:"result"`
	Cancelled bool                   `json:"cancelled"`
}

type authMsg struct {
	Token string `json:"token"`
}

// ResultFunc is invoked for every result frame after the task store is
// updated. The dispatcher uses it to resolve sessions and release workers.
type ResultFunc func(t task.Task, result map[string]interface{})

// conn is one live vessel connection.
type conn struct {
	vesselID string
	ws       *websocket.Conn
	send     chan []byte
	cancel   context.CancelFunc
	closed   sync.Once
}

// Hub owns all vessel connections.
type Hub struct {
	token    string
	max      int
	store    *task.Store
	log      *audit.Log
	onResult ResultFunc
	onCount  func(n int)

	mu    sync.RWMutex
	conns map[string]*conn
}

// NewHub builds the hub. max is the hard cap on concurrent connections.
func NewHub(token string, max int, store *task.Store, auditLog *audit.Log) *Hub {
	return &Hub{
		token: token,
		max:   max,
		store: store,
		log:   auditLog,
		conns: make(map[string]*conn),
	}
}

// OnResult installs the result callback. Must be called before serving.
func (h *Hub) OnResult(fn ResultFunc) { h.onResult = fn }

// OnConnectionChange installs a callback invoked with the live connection
// count after every connect and disconnect. Must be called before serving.
func (h *Hub) OnConnectionChange(fn func(n int)) { h.onCount = fn }

func (h *Hub) countChanged(n int) {
	if h.onCount != nil {
		h.onCount(n)
	}
}

// Connected reports whether vesselID has a live channel.
func (h *Hub) Connected(vesselID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[vesselID]
	return ok
}

// List returns connected vessel ids, sorted.
func (h *Hub) List() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.conns))
	for id := range h.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SendCancel asks a vessel to cancel an in-flight task. Returns false when
// the vessel is not connected.
func (h *Hub) SendCancel(vesselID, taskID string) bool {
	h.mu.RLock()
	c, ok := h.conns[vesselID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	frame, _ := json.Marshal(map[string]string{"type": "cancel_task", "task_id": taskID})
	c.enqueue(frame)
	return true
}

// Handle upgrades the request and runs the connection to completion.
// vesselID comes from the URL path.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request, vesselID string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[vessel] upgrade failed for %s: %v", vesselID, err)
		return
	}

	// Duplicate and capacity checks happen after upgrade so the client
	// gets a structured reason instead of a bare close.
	h.mu.Lock()
	if _, dup := h.conns[vesselID]; dup {
		h.mu.Unlock()
		h.reject(ws, map[string]interface{}{"error": "vessel_id_already_connected"})
		h.log.Event("WS_DUPLICATE_REJECTED", audit.Details{"vessel_id": vesselID})
		return
	}
	if len(h.conns) >= h.max {
		current := len(h.conns)
		h.mu.Unlock()
		h.reject(ws, map[string]interface{}{"error": "max_connections_reached", "limit": h.max})
		h.log.Event("WS_CONNECTION_LIMIT", audit.Details{
			"vessel_id": vesselID, "current": current, "max": h.max,
		})
		return
	}
	h.mu.Unlock()

	if !h.handshake(ws) {
		ws.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{vesselID: vesselID, ws: ws, send: make(chan []byte, sendBuffer), cancel: cancel}

	h.mu.Lock()
	if _, dup := h.conns[vesselID]; dup {
		// Lost the race to another handshake for the same id.
		h.mu.Unlock()
		cancel()
		h.reject(ws, map[string]interface{}{"error": "vessel_id_already_connected"})
		return
	}
	h.conns[vesselID] = c
	n := len(h.conns)
	h.mu.Unlock()
	h.countChanged(n)

	hello, _ := json.Marshal(map[string]string{"status": "connected", "vessel_id": vesselID})
	c.enqueue(hello)

	log.Printf("[vessel] %s connected", vesselID)
	h.log.Event("WS_CONNECTED", audit.Details{"vessel_id": vesselID})

	go c.writePump()
	go h.feedTasks(ctx, c)
	h.readPump(ctx, c) // blocks until disconnect

	cancel()
	h.mu.Lock()
	delete(h.conns, vesselID)
	n = len(h.conns)
	h.mu.Unlock()
	h.countChanged(n)
	c.close()
	log.Printf("[vessel] %s disconnected", vesselID)
	h.log.Event("WS_DISCONNECTED", audit.Details{"vessel_id": vesselID})
}

// handshake reads the first frame and compares the token in constant time.
func (h *Hub) handshake(ws *websocket.Conn) bool {
	ws.SetReadLimit(maxMsgSize)
	ws.SetReadDeadline(time.Now().Add(handshakeWait))
	defer ws.SetReadDeadline(time.Time{})

	var auth authMsg
	if err := ws.ReadJSON(&auth); err != nil {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(auth.Token), []byte(h.token)) != 1 {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		ws.WriteJSON(map[string]string{"error": "auth_failed"})
		return false
	}
	return true
}

// reject sends one structured error frame and closes.
func (h *Hub) reject(ws *websocket.Conn, payload map[string]interface{}) {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	ws.WriteJSON(payload)
	ws.Close()
}

// feedTasks pulls from the vessel's FIFO and hands frames to the write
// pump. Task frames are never dropped: delivery blocks until the pump has
// room, and only a delivered task is recorded as sent. A task stranded by
// a dying connection goes back to the head of its queue.
func (h *Hub) feedTasks(ctx context.Context, c *conn) {
	for {
		t, err := h.store.Dequeue(ctx, c.vesselID)
		if err != nil {
			return // ctx cancelled: connection gone
		}
		outbound := *t
		outbound.Status = task.StatusSent
		frame, err := json.Marshal(map[string]interface{}{"type": "task", "data": outbound})
		if err != nil {
			log.Printf("[vessel] marshal task %s: %v", t.TaskID, err)
			continue
		}
		if !c.deliver(ctx, frame) {
			h.store.Requeue(t)
			return
		}
		h.store.MarkSent(t.TaskID)
		log.Printf("[vessel] sent task %s to %s", t.TaskID, c.vesselID)
	}
}

// readPump owns all reads and dispatches inbound frames by type.
func (h *Hub) readPump(ctx context.Context, c *conn) {
	for {
		var msg inboundMsg
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "result":
			h.handleResult(msg)
		case "cancel_ack":
			log.Printf("[vessel] cancel ack for %s: cancelled=%v", msg.TaskID, msg.Cancelled)
		case "heartbeat":
			frame, _ := json.Marshal(map[string]string{"type": "heartbeat_ack"})
			c.enqueue(frame)
		default:
			log.Printf("[vessel] %s: unknown frame type %q", c.vesselID, msg.Type)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (h *Hub) handleResult(msg inboundMsg) {
	status := msg.Status
	if status == "" {
		status = task.StatusCompleted
	}
	t, err := h.store.Complete(msg.TaskID, status, msg.Result)
	if err != nil {
		log.Printf("[vessel] result for unknown task %s: %v", msg.TaskID, err)
		return
	}
	log.Printf("[vessel] result for task %s: %s", msg.TaskID, status)
	if h.onResult != nil {
		h.onResult(t, msg.Result)
	}
}

// enqueue hands a frame to the write pump without blocking. Only control
// frames (hello, cancel, heartbeat acks) go through here; a full buffer
// drops them.
func (c *conn) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		log.Printf("[vessel] %s: send buffer full, dropping frame", c.vesselID)
	}
}

// deliver hands a frame to the write pump, waiting for room. Returns false
// when the connection is shutting down.
func (c *conn) deliver(ctx context.Context, frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}

// writePump owns all writes to the socket.
func (c *conn) writePump() {
	for frame := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.ws.Close()
			return
		}
	}
}

func (c *conn) close() {
	c.closed.Do(func() {
		close(c.send)
		c.ws.Close()
	})
}
