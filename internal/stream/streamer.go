// Package stream pushes gateway events to WebSocket clients in real time.
// Dashboards subscribe to /v1/stream and watch verdicts, circuit transitions
// and halts as they happen.
package stream

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/basislabs/basis-gateway/internal/events"
)

// Streamer is the WebSocket hub: it fans events from the bus out to every
// connected client.
type Streamer struct {
	bus        *events.Bus
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

// NewStreamer creates a hub over the event bus.
func NewStreamer(bus *events.Bus) *Streamer {
	return &Streamer{
		bus:        bus,
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
	}
}

// Run consumes the bus and drives the hub until the context ends.
func (s *Streamer) Run(ctx context.Context) {
	feed := s.bus.Subscribe() // all event types
	defer s.bus.Unsubscribe(feed)

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return

		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("client connected (total: %d)", total)

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.Close()
			}
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("client disconnected (total: %d)", total)

		case event, ok := <-feed:
			if !ok {
				s.closeAll()
				return
			}
			s.broadcast(event)
		}
	}
}

func (s *Streamer) broadcast(event *events.CloudEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		if err := client.WriteJSON(event); err != nil {
			client.Close()
			delete(s.clients, client)
		}
	}
}

func (s *Streamer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		client.Close()
		delete(s.clients, client)
	}
}

// HandleWebSocket upgrades the connection and parks it in the hub. Client
// reads are discarded; the feed is one-way.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade error: %v", err)
		return
	}

	s.register <- conn

	go func() {
		defer func() { s.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Statistics reports the hub state for the admin surface.
func (s *Streamer) Statistics() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"connected_clients": len(s.clients),
	}
}
