package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"appletrainer/buffer"
	"appletrainer/memory"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// event is one message on the developer overlay stream.
type event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// hub fans overlay events out to every connected viewer.
type hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	log        *zap.SugaredLogger
}

func newHub(log *zap.SugaredLogger) *hub {
	return &hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        log.Named("overlay"),
	}
}

func (h *hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Infow("viewer connected", "viewers", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Infow("viewer disconnected", "viewers", n)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				c.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.log.Warnw("send to viewer failed", "error", err)
					delete(h.clients, c)
					c.Close()
				}
			}
			h.mu.Unlock()
		}
	}
}

// publish queues an event. When the queue is full the event is dropped;
// viewers get the next snapshot anyway.
func (h *hub) publish(typ string, data interface{}) {
	msg, err := json.Marshal(event{Type: typ, Data: data})
	if err != nil {
		h.log.Errorw("encode overlay event", "type", typ, "error", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Debugw("overlay queue full, event dropped", "type", typ)
	}
}

func (h *hub) alert(a memory.Alert)  { h.publish("alert", a) }
func (h *hub) memoryError(err error) { h.publish("memory_error", err.Error()) }

func (h *hub) viewers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// usageReading is a live usage sample. It is read straight from the
// registry and never enters the tracker history.
type usageReading struct {
	Usage buffer.Usage `json:"usage"`
	Safe  bool         `json:"safe"`
	At    time.Time    `json:"at"`
}

// streamUsage publishes a usage reading every interval while anyone watches.
func (h *hub) streamUsage(ctx context.Context, t *memory.Tracker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.viewers() == 0 {
				continue
			}
			h.publish("usage", usageReading{Usage: t.CurrentUsage(), Safe: t.IsUsageSafe(), At: time.Now()})
		}
	}
}

// serveWS registers a viewer. Viewers only listen; anything they send is
// discarded.
func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(512)
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}
	defer func() {
		select {
		case h.unregister <- conn:
		case <-h.done:
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
