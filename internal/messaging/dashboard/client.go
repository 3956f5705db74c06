package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512

	// inboundRateLimit bounds how often one client's commands
	// (subscribe/ping/etc) are processed, independent of the dashboard
	// hub's own broadcast pacing.
	inboundRateLimit = 5 // per second
	inboundBurst     = 10
)

// ClientMessage is an inbound command from a dashboard client.
type ClientMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	ID   string      `json:"id,omitempty"`
}

// Client is one connected dashboard observer.
type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan Message
	subscriptions map[string]bool
	mutex         sync.RWMutex
	logger        *logrus.Logger
	limiter       *rate.Limiter
}

// NewClient wraps an upgraded websocket connection as a dashboard
// client. The caller is responsible for running ReadPump/WritePump in
// their own goroutines.
func NewClient(hub *Hub, conn *websocket.Conn, logger *logrus.Logger) *Client {
	return &Client{
		id:            uuid.New().String(),
		hub:           hub,
		conn:          conn,
		send:          make(chan Message, 256),
		subscriptions: make(map[string]bool),
		logger:        logger,
		limiter:       rate.NewLimiter(rate.Limit(inboundRateLimit), inboundBurst),
	}
}

// ID returns the client's identifier.
func (c *Client) ID() string { return c.id }

// IsSubscribed reports whether the client wants messages for topic. An
// empty subscription set means "subscribed to everything".
func (c *Client) IsSubscribed(topic string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	return c.subscriptions[topic]
}

// Subscribe adds topic to the client's subscription set.
func (c *Client) Subscribe(topic string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.subscriptions[topic] = true
}

// Unsubscribe removes topic from the client's subscription set.
func (c *Client) Unsubscribe(topic string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.subscriptions, topic)
}

// ReadPump pumps inbound client commands until the connection closes.
// Commands arriving faster than the client's rate limit allows are
// silently dropped rather than processed, so one noisy dashboard tab
// can't starve the hub's goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.UnregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Debug("dashboard websocket closed unexpectedly")
			}
			return
		}
		if !c.limiter.Allow() {
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}
		c.handleMessage(msg)
	}
}

// WritePump pumps outbound Messages and pings to the client.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.logger.WithError(err).Debug("dashboard write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(msg ClientMessage) {
	switch msg.Type {
	case "subscribe":
		c.applySubscriptionChange(msg, true)
	case "unsubscribe":
		c.applySubscriptionChange(msg, false)
	case "ping":
		c.sendPong(msg.ID)
	default:
		c.sendError("unknown message type")
	}
}

func (c *Client) applySubscriptionChange(msg ClientMessage, subscribe bool) {
	data, ok := msg.Data.(map[string]interface{})
	if !ok {
		c.sendError("invalid subscription payload")
		return
	}
	raw, ok := data["topics"].([]interface{})
	if !ok {
		c.sendError("missing topics")
		return
	}
	for _, t := range raw {
		topic, ok := t.(string)
		if !ok {
			continue
		}
		if subscribe {
			c.Subscribe(topic)
		} else {
			c.Unsubscribe(topic)
		}
	}
	c.mutex.RLock()
	topics := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		topics = append(topics, t)
	}
	c.mutex.RUnlock()

	c.trySend(Message{Type: "subscription_confirmed", Data: map[string]interface{}{"subscriptions": topics}, ID: msg.ID})
}

func (c *Client) sendPong(id string) {
	c.trySend(Message{Type: "pong", ID: id})
}

func (c *Client) sendError(msg string) {
	c.trySend(Message{Type: MessageTypeError, Data: map[string]interface{}{"error": msg}})
}

func (c *Client) trySend(m Message) {
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	select {
	case c.send <- m:
	default:
		c.logger.Warn("dashboard client send buffer full, dropping message")
	}
}
