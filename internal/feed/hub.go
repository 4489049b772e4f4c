// Package feed streams appended audit records to live viewers over
// WebSocket. The feed is best-effort: a viewer that falls behind is
// dropped, and the sink files remain the only record of truth.
package feed

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/skylog/skylog/internal/audit"
)

// Message is the JSON frame sent to viewers for every appended record.
type Message struct {
	Chain  string       `json:"chain"`
	Line   int          `json:"line"`
	Record audit.Record `json:"record"`
}

// Hub manages the set of active WebSocket connections and broadcasts
// appended records to all of them.
//
// A single hub goroutine handles registration, unregistration, and
// broadcasting, so the connections map needs no lock: all mutations
// happen in the hub goroutine via channels.
//
// Hub implements audit.Observer.
type Hub struct {
	connections map[*conn]bool

	broadcastCh  chan broadcastMsg
	registerCh   chan *conn
	unregisterCh chan *conn
	done         chan struct{}
	closeOnce    sync.Once
}

var _ audit.Observer = (*Hub)(nil)

type broadcastMsg struct {
	chain string
	level audit.Level
	data  []byte
}

// conn wraps a single WebSocket connection and its subscription filter.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
	mu   sync.Mutex // protects concurrent writes

	chain    string // empty: every chain
	minLevel audit.Level
}

func (c *conn) wants(m broadcastMsg) bool {
	if c.chain != "" && c.chain != m.chain {
		return false
	}
	return m.level >= c.minLevel
}

// upgrader allows all origins: the feed is served on the loopback
// ingestion port and read by local tooling.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHub creates a hub and starts its event loop. Call Close to stop it.
func NewHub() *Hub {
	h := &Hub{
		connections:  make(map[*conn]bool),
		broadcastCh:  make(chan broadcastMsg, 256),
		registerCh:   make(chan *conn),
		unregisterCh: make(chan *conn),
		done:         make(chan struct{}),
	}
	go h.run()
	return h
}

// run is the main hub event loop.
func (h *Hub) run() {
	for {
		select {
		case c := <-h.registerCh:
			h.connections[c] = true
			slog.Debug("feed client connected", "total", len(h.connections))

		case c := <-h.unregisterCh:
			if _, ok := h.connections[c]; ok {
				delete(h.connections, c)
				close(c.send)
				slog.Debug("feed client disconnected", "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for c := range h.connections {
				if !c.wants(msg) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// A slow client must not block the others.
					delete(h.connections, c)
					close(c.send)
					slog.Warn("feed client too slow, dropped")
				}
			}

		case <-h.done:
			for c := range h.connections {
				delete(h.connections, c)
				close(c.send)
			}
			return
		}
	}
}

// RecordAppended implements audit.Observer. It never blocks: when the
// broadcast queue is full the record is dropped from the feed.
func (h *Hub) RecordAppended(chain string, line int, rec audit.Record) {
	data, err := json.Marshal(Message{Chain: chain, Line: line, Record: rec})
	if err != nil {
		slog.Error("encoding feed message", "chain", chain, "line", line, "error", err)
		return
	}
	lvl, _ := audit.ParseLevel(rec.Level)

	select {
	case h.broadcastCh <- broadcastMsg{chain: chain, level: lvl, data: data}:
	case <-h.done:
	default:
	}
}

// AppendFailed implements audit.Observer.
func (h *Hub) AppendFailed(string, error) {}

// ServeHTTP upgrades the request to a WebSocket and subscribes it.
// Optional query parameters: chain (a channel name or "root") and
// min_level.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c := &conn{send: make(chan []byte, 64)}

	if chain := r.URL.Query().Get("chain"); chain != "" {
		if _, err := audit.ParseChannel(chain); err != nil && chain != audit.RootChain {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.chain = chain
	}
	if lvl := r.URL.Query().Get("min_level"); lvl != "" {
		parsed, err := audit.ParseLevel(lvl)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.minLevel = parsed
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	c.ws = ws

	select {
	case h.registerCh <- c:
	case <-h.done:
		ws.Close()
		return
	}

	go c.writePump()
	go c.readPump(h)
}

// Close stops the hub and disconnects every client. Safe to call more
// than once.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// writePump sends queued messages to the WebSocket connection.
func (c *conn) writePump() {
	defer c.ws.Close()

	for msg := range c.send {
		c.mu.Lock()
		err := c.ws.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
	c.mu.Lock()
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
	c.mu.Unlock()
}

// readPump drains the connection to detect disconnection, then
// unregisters the client. The feed is one-directional.
func (c *conn) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregisterCh <- c:
		case <-h.done:
		}
		c.ws.Close()
	}()

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}
