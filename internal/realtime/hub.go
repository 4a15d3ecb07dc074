package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"conductor/internal/txn"
)

// Event is one transaction lifecycle transition pushed to subscribers.
type Event struct {
	TxID    string      `json:"tx_id"`
	Status  txn.Status  `json:"status"`
	Pattern txn.Pattern `json:"pattern,omitempty"`
	At      time.Time   `json:"at"`
}

// Hub fans transaction lifecycle events out to WebSocket subscribers.
// It backs the observability hook surface: the coordination core only
// sees it as a txn.Observer.
type Hub struct {
	mu          sync.Mutex
	connections map[*websocket.Conn]struct{}
	Register    chan *websocket.Conn
	Unregister  chan *websocket.Conn
	events      chan Event
}

// NewHub constructs a Hub.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[*websocket.Conn]struct{}),
		Register:    make(chan *websocket.Conn),
		Unregister:  make(chan *websocket.Conn),
		events:      make(chan Event, 64),
	}
}

// Observer adapts the hub to the coordination core's hook contract.
func (h *Hub) Observer() txn.Observer {
	return func(record txn.Transaction) {
		h.Publish(Event{
			TxID:    record.ID,
			Status:  record.Status,
			Pattern: record.Pattern,
			At:      record.UpdatedAt,
		})
	}
}

// Publish enqueues an event, dropping it if the hub is saturated: the
// durable record is the source of truth, the feed is best-effort.
func (h *Hub) Publish(ev Event) {
	select {
	case h.events <- ev:
	default:
	}
}

// Run processes register/unregister/event traffic until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.Unregister:
			h.mu.Lock()
			delete(h.connections, conn)
			h.mu.Unlock()
			conn.Close()
		case ev := <-h.events:
			msg, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for conn := range h.connections {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.connections {
		conn.Close()
		delete(h.connections, conn)
	}
}
