package server

import (
	"context"
	"sync"

	xlog "livingportrait/internal/log"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ClientConn is the part of a WebSocket connection the hub writes to.
type ClientConn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Hub manages WebSocket clients.
type Hub struct {
	clients    map[ClientConn]bool
	mu         sync.Mutex
	broadcast  chan Message
	register   chan ClientConn
	unregister chan ClientConn
	done       chan struct{}
	logger     zerolog.Logger
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[ClientConn]bool),
		broadcast:  make(chan Message, 16),
		register:   make(chan ClientConn),
		unregister: make(chan ClientConn),
		done:       make(chan struct{}),
		logger:     xlog.WithComponent("ws"),
	}
}

// Run serves the hub until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				_ = client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug().Msg("websocket client connected")
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				_ = client.Close()
				h.logger.Debug().Msg("websocket client disconnected")
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if err := client.WriteJSON(message); err != nil {
					h.logger.Debug().Err(err).Msg("broadcast error")
					_ = client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message for all connected clients. It drops the message when the
// hub is backlogged.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn().Str("type", msg.Type).Msg("broadcast queue full, message dropped")
	}
}

func (h *Hub) add(c ClientConn) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c ClientConn) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

var _ ClientConn = (*websocket.Conn)(nil)
