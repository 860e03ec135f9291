package main

import (
	"sync"

	"github.com/waypointhq/waypoint/common/logger"
)

// Hub maintains active WebSocket connections and broadcasts run events to
// topic subscribers. Topics are "run:<id>", "flow:<id>", or "*".
type Hub struct {
	connections map[string][]*Client
	mutex       sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message

	log *logger.Logger
}

// Message is one event bound for a topic.
type Message struct {
	Topic string
	Data  []byte
}

// NewHub creates a new Hub instance
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		connections: make(map[string][]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		log:         log,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastToTopic(message)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.connections[client.topic] = append(h.connections[client.topic], client)
	h.log.Debug("client registered",
		"topic", client.topic, "subscribers", len(h.connections[client.topic]))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	clients := h.connections[client.topic]
	for i, c := range clients {
		if c == client {
			h.connections[client.topic] = append(clients[:i], clients[i+1:]...)
			close(client.send)

			if len(h.connections[client.topic]) == 0 {
				delete(h.connections, client.topic)
			}
			h.log.Debug("client unregistered",
				"topic", client.topic, "remaining", len(h.connections[client.topic]))
			break
		}
	}
}

// broadcastToTopic sends a message to every subscriber of its topic. A slow
// subscriber with a full buffer is dropped rather than stalling the rest:
// its channel closes and it leaves the topic, so later broadcasts never
// write to a closed channel.
func (h *Hub) broadcastToTopic(message *Message) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	clients := h.connections[message.Topic]
	kept := clients[:0]
	for _, client := range clients {
		select {
		case client.send <- message.Data:
			kept = append(kept, client)
		default:
			h.log.Warn("client send buffer full, dropping connection", "topic", client.topic)
			close(client.send)
		}
	}
	if len(kept) == 0 {
		delete(h.connections, message.Topic)
	} else {
		h.connections[message.Topic] = kept
	}
}

// ConnectionCount returns the total number of active connections
func (h *Hub) ConnectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	count := 0
	for _, clients := range h.connections {
		count += len(clients)
	}
	return count
}
