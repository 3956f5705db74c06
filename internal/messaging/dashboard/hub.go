// Package dashboard adapts the teacher's WebSocket hub/client pair into
// a read-only, non-authoritative observability feed for the
// coordinator: it mirrors internal/events.Bus occurrences out to any
// number of connected browser/CLI watchers. It never drives coordinator
// state — closing every dashboard client changes nothing about a
// running swarm.
package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hivemind/coordinator/internal/events"
)

// MessageType is the kind of update pushed to dashboard clients.
type MessageType string

const (
	MessageTypeSwarmStatus   MessageType = "swarm_status"
	MessageTypeTaskUpdate    MessageType = "task_update"
	MessageTypeAgentUpdate   MessageType = "agent_update"
	MessageTypeSessionUpdate MessageType = "session_update"
	MessageTypeDecision      MessageType = "decision_update"
	MessageTypeMetrics       MessageType = "metrics_update"
	MessageTypeNotification  MessageType = "notification"
	MessageTypeError         MessageType = "error"
)

// Message is one envelope pushed to a dashboard client.
type Message struct {
	Type      MessageType `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	ID        string      `json:"id,omitempty"`
}

// Hub maintains connected dashboard clients and fans out Messages,
// following the teacher's Hub shape (register/unregister/broadcast
// channel trio).
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	logger     *logrus.Logger

	busCancel func()
}

// NewHub constructs a Hub and subscribes it to bus so every published
// coordinator event becomes a dashboard Message.
func NewHub(logger *logrus.Logger, bus *events.Bus) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
	if bus != nil {
		ch, cancel := bus.Subscribe(128)
		h.busCancel = cancel
		go h.relayEvents(ch)
	}
	return h
}

func (h *Hub) relayEvents(ch <-chan events.Event) {
	for ev := range ch {
		h.Broadcast(Message{
			Type:      eventMessageType(ev.Type),
			Data:      map[string]interface{}{"swarm_id": ev.SwarmID, "event": ev.Type, "data": ev.Data},
			Timestamp: ev.At.UnixMilli(),
		})
	}
}

func eventMessageType(t events.Type) MessageType {
	switch t {
	case events.TaskCreated, events.TaskAssigned, events.TaskCompleted, events.TaskFailed:
		return MessageTypeTaskUpdate
	case events.WorkerSpawned, events.WorkerIdle:
		return MessageTypeAgentUpdate
	case events.DecisionReached:
		return MessageTypeDecision
	case events.SessionPaused, events.SessionResumed, events.SessionStopped:
		return MessageTypeSessionUpdate
	case events.MessageDropped:
		return MessageTypeError
	default:
		return MessageTypeNotification
	}
}

// Run processes registrations, unregistrations and broadcasts. It has
// no exit path; Stop does not end it.
func (h *Hub) Run() {
	h.logger.Info("starting dashboard hub")
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Stop cancels the hub's event subscription and closes every connected
// client's send channel, which makes that client's WritePump send a
// close frame and close its connection. The hub's own channels stay open.
func (h *Hub) Stop() {
	if h.busCancel != nil {
		h.busCancel()
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// RegisterClient registers a new client, dropping it if the hub's
// register channel is backed up rather than blocking the caller.
func (h *Hub) RegisterClient(client *Client) {
	select {
	case h.register <- client:
	default:
		h.logger.Warn("dashboard register channel full, dropping client")
	}
}

// UnregisterClient removes a client.
func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	default:
	}
}

// Broadcast enqueues a message for delivery to every connected client.
func (h *Hub) Broadcast(message Message) {
	if message.Timestamp == 0 {
		message.Timestamp = time.Now().UnixMilli()
	}
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("dashboard broadcast channel full, dropping message")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) registerClient(client *Client) {
	h.mutex.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mutex.Unlock()

	h.logger.WithFields(logrus.Fields{"client_id": client.id, "total_clients": count}).Info("dashboard client connected")

	welcome := Message{Type: MessageTypeNotification, Data: map[string]interface{}{"message": "connected to hive-mind dashboard"}, Timestamp: time.Now().UnixMilli()}
	select {
	case client.send <- welcome:
	default:
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) unregisterClient(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mutex.Unlock()

	h.logger.WithFields(logrus.Fields{"client_id": client.id, "total_clients": count}).Info("dashboard client disconnected")
}

func (h *Hub) broadcastMessage(message Message) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	raw, err := json.Marshal(message)
	if err != nil {
		h.logger.WithError(err).Error("failed to marshal dashboard message")
		return
	}

	var failed []*Client
	for client := range h.clients {
		select {
		case client.send <- message:
		default:
			failed = append(failed, client)
		}
	}
	for _, client := range failed {
		close(client.send)
		delete(h.clients, client)
		h.logger.WithField("client_id", client.id).Warn("removed unresponsive dashboard client")
	}

	h.logger.WithFields(logrus.Fields{"message_type": message.Type, "clients_sent": len(h.clients), "clients_failed": len(failed), "message_size": len(raw)}).Debug("dashboard message broadcast")
}
