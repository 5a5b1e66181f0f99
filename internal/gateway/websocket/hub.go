// Package websocket fans scheduler events out to UI subscribers over
// WebSocket connections.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/events"
	"github.com/trinity/trinity/internal/events/bus"
)

// Client represents one WebSocket subscriber.
type Client struct {
	ID     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *logger.Logger
}

// Hub manages all WebSocket clients and relays bus events to them.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		logger:     log.WithFields(zap.String("component", "websocket-hub")),
	}
}

// Run drives the hub until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("client_id", client.ID))

		case frame := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- frame:
				default:
					// Slow consumer; drop the frame rather than block the hub.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// SubscribeBus relays every event on the scheduler channel to connected
// clients as a JSON frame of the event's payload.
func (h *Hub) SubscribeBus(eventBus bus.EventBus) (bus.Subscription, error) {
	return eventBus.Subscribe(events.SchedulerChannel, func(ctx context.Context, event *bus.Event) error {
		frame, err := json.Marshal(event.Data)
		if err != nil {
			return err
		}
		select {
		case h.broadcast <- frame:
		default:
			h.logger.Warn("broadcast buffer full, dropping event",
				zap.String("event_type", event.Type))
		}
		return nil
	})
}

// Broadcast enqueues a raw frame for all clients.
func (h *Hub) Broadcast(frame []byte) {
	select {
	case h.broadcast <- frame:
	default:
	}
}
