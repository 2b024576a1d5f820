// Package eventstream fans out workflow and UI events to connected
// browser/host clients over Server-Sent Events.
package eventstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultMaxClients caps the connected client set.
	DefaultMaxClients = 100
	// DefaultHeartbeat is the keepalive cadence.
	DefaultHeartbeat = 30 * time.Second

	// clientBuffer is the per-client event queue; a client that cannot
	// drain it is disconnected rather than blocking the broadcaster.
	clientBuffer = 64
)

// Event is a single SSE frame before serialization.
type Event struct {
	Type string
	Data interface{}
}

type client struct {
	id string
	ch chan Event
}

// Manager owns the SSE client set and broadcasting.
type Manager struct {
	mu      sync.Mutex
	clients map[string]*client

	maxClients int
	heartbeat  time.Duration
	started    time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager creates a Manager; zero values select the defaults.
func NewManager(maxClients int, heartbeat time.Duration) *Manager {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Manager{
		clients:    make(map[string]*client),
		maxClients: maxClients,
		heartbeat:  heartbeat,
		started:    time.Now(),
		stop:       make(chan struct{}),
	}
}

// Start launches the heartbeat loop. Safe to skip in tests.
func (m *Manager) Start() {
	go func() {
		t := time.NewTicker(m.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				m.Broadcast("heartbeat", map[string]interface{}{
					"connectedClients": m.ClientCount(),
					"uptimeMs":         time.Since(m.started).Milliseconds(),
				})
			case <-m.stop:
				return
			}
		}
	}()
}

// Close disconnects every client and stops the heartbeat.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.clients {
		close(c.ch)
		delete(m.clients, id)
	}
}

// ClientCount returns the number of connected clients.
func (m *Manager) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Broadcast queues an event for every connected client. Clients whose
// buffers are full are dropped; delivery order per client matches
// broadcast order.
func (m *Manager) Broadcast(eventType string, data interface{}) {
	m.mu.Lock()
	var evicted []string
	for id, c := range m.clients {
		select {
		case c.ch <- Event{Type: eventType, Data: data}:
		default:
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		if c, ok := m.clients[id]; ok {
			close(c.ch)
			delete(m.clients, id)
		}
	}
	m.mu.Unlock()

	for _, id := range evicted {
		log.Warn().Str("client", id).Msg("SSE client evicted, buffer full")
	}
}

func (m *Manager) register() (*client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.clients) >= m.maxClients {
		return nil, fmt.Errorf("client limit %d reached", m.maxClients)
	}
	c := &client{id: uuid.NewString(), ch: make(chan Event, clientBuffer)}
	m.clients[c.id] = c
	return c, nil
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[id]; ok {
		close(c.ch)
		delete(m.clients, id)
	}
}

// ServeHTTP implements the SSE endpoint.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	c, err := m.register()
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "too many clients"})
		return
	}
	defer m.unregister(c.id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, Event{Type: "connected", Data: map[string]interface{}{
		"clientId":         c.id,
		"connectedClients": m.ClientCount(),
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	}})
	flusher.Flush()

	log.Debug().Str("client", c.id).Msg("SSE client connected")

	for {
		select {
		case ev, ok := <-c.ch:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				log.Debug().Str("client", c.id).Err(err).Msg("SSE write failed, disconnecting")
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			log.Debug().Str("client", c.id).Msg("SSE client disconnected")
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev Event) error {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	return err
}
