// Package hub fans events out to Server-Sent Events clients.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/dehc/internal/metrics"
)

// DefaultKeepAlive is the interval between keep-alive comments.
const DefaultKeepAlive = 30 * time.Second

// Event is one message. Data is sent as JSON.
type Event struct {
	Name string
	ID   string
	Data any
}

// encode renders ev in the text/event-stream format.
func encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	if ev.Name != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Name)
	}
	if ev.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", ev.ID)
	}
	fmt.Fprintf(&b, "data: %s\n\n", data)
	return []byte(b.String()), nil
}

type client struct {
	id     string
	events chan []byte
}

// Hub tracks connected clients and broadcasts to them. A client that cannot
// keep up misses messages rather than slowing the others.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan Event
	done       chan struct{}

	logger    *slog.Logger
	metrics   *metrics.Registry
	keepAlive time.Duration
	buffer    int
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(h *Hub) { h.logger = l } }

// WithMetrics reports the number of connected clients to m.
func WithMetrics(m *metrics.Registry) Option { return func(h *Hub) { h.metrics = m } }

// WithKeepAlive sets the keep-alive comment interval.
func WithKeepAlive(d time.Duration) Option { return func(h *Hub) { h.keepAlive = d } }

// WithClientBuffer sets how many messages a slow client may lag behind.
func WithClientBuffer(n int) Option { return func(h *Hub) { h.buffer = n } }

// New creates a hub. Call Run before serving clients.
func New(opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Event, 256),
		done:       make(chan struct{}),
		logger:     slog.Default(),
		keepAlive:  DefaultKeepAlive,
		buffer:     64,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run owns the client set until ctx is done, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.events)
			}
			h.mu.Unlock()
			h.metrics.SetStreamClients(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetStreamClients(n)
			h.logger.Info("stream client connected", "client", c.id, "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.events)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetStreamClients(n)
			h.logger.Info("stream client disconnected", "client", c.id, "clients", n)

		case ev := <-h.broadcast:
			msg, err := encode(ev)
			if err != nil {
				h.logger.Error("event not encoded", "event", ev.Name, "error", err)
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.events <- msg:
				default:
					h.logger.Warn("stream client is slow; message skipped", "client", c.id, "event", ev.Name)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish queues ev for every client. When the queue is full the event is
// dropped and logged.
func (h *Hub) Publish(ev Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("broadcast queue full; event dropped", "event", ev.Name, "id", ev.ID)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP streams events to one client until it disconnects or the hub
// stops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	c := &client{id: uuid.NewString(), events: make(chan []byte, h.buffer)}
	select {
	case h.register <- c:
	case <-h.done:
		http.Error(w, "event stream closed", http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.events:
			if !ok {
				return
			}
			if _, err := w.Write(msg); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
