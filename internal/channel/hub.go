package channel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/funnelbot/internal/outbox"
	"github.com/ent0n29/funnelbot/internal/protocol"
)

// ErrNoListeners is returned when no console is subscribed to a destination.
var ErrNoListeners = errors.New("no console connected for destination")

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	sendBufferSize = 64
)

// InboundFunc handles text a console sends on behalf of a contact and returns
// the number of actions the turn produced.
type InboundFunc func(ctx context.Context, contactID, text string) int

// Hub delivers jobs to websocket consoles. A console subscribes to one
// destination, or to every destination when it passes none. With an inbound
// handler set, a console may also speak for a contact.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	inbound InboundFunc
}

type client struct {
	id          string
	destination string
	send        chan any
}

func NewHub(checkOrigin func(r *http.Request) bool) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		clients: make(map[string]*client),
	}
}

// SetInboundHandler enables inbound_text messages from consoles.
func (h *Hub) SetInboundHandler(fn InboundFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inbound = fn
}

// Send queues job for every matching console. A console whose buffer is full
// misses the job.
func (h *Hub) Send(_ context.Context, destination string, job outbox.Job) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	msg := protocol.OutboundMessage{
		Type:        protocol.TypeOutboundMessage,
		JobID:       job.ID,
		Destination: destination,
		Kind:        string(job.Kind),
		Text:        job.Payload.Text,
		URL:         job.Payload.URL,
		Caption:     job.Payload.Caption,
		Metadata:    job.Metadata,
	}
	delivered := 0
	for _, c := range h.clients {
		if c.destination != "" && c.destination != destination {
			continue
		}
		select {
		case c.send <- msg:
			delivered++
		default:
			slog.Warn("channel: console buffer full, dropping job", "console", c.id, "job_id", job.ID)
		}
	}
	if delivered == 0 {
		return ErrNoListeners
	}
	return nil
}

// Listeners returns the number of connected consoles.
func (h *Hub) Listeners() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams jobs until the console leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{
		id:          uuid.NewString(),
		destination: r.URL.Query().Get("destination"),
		send:        make(chan any, sendBufferSize),
	}
	h.register(c)
	slog.Debug("channel: console connected", "console", c.id, "destination", c.destination)

	go h.readPump(r.Context(), conn, c)
	h.writePump(conn, c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
}

// readPump handles console messages and detects disconnects.
func (h *Hub) readPump(ctx context.Context, conn *websocket.Conn, c *client) {
	defer h.unregister(c)
	ctx = context.WithoutCancel(ctx)
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleClientMessage(ctx, c, raw)
	}
}

func (h *Hub) handleClientMessage(ctx context.Context, c *client, raw []byte) {
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		h.reply(c, protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: "invalid_message", Detail: err.Error()})
		return
	}
	switch m := msg.(type) {
	case protocol.InboundText:
		h.mu.RLock()
		fn := h.inbound
		h.mu.RUnlock()
		if fn == nil {
			h.reply(c, protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: "inbound_disabled", Detail: "console inbound is not enabled"})
			return
		}
		n := fn(ctx, m.ContactID, m.Text)
		h.reply(c, protocol.TurnResult{Type: protocol.TypeTurnResult, ContactID: m.ContactID, Actions: n})
	}
}

// reply queues msg for one console. It runs on the read pump, which is the
// only goroutine that closes c.send, so the send cannot race the close.
func (h *Hub) reply(c *client, msg any) {
	select {
	case c.send <- msg:
	default:
		slog.Warn("channel: console buffer full, dropping reply", "console", c.id)
	}
}

// writePump owns the connection writes. On failure it closes the connection,
// which ends readPump and unregisters the console.
func (h *Hub) writePump(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
