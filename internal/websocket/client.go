package chatws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/WimpyvL/zappy-health-app-sub000/internal/models"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/realtime"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/services"
	websocket "github.com/gofiber/contrib/websocket"
)

const (
	FrameSubscribe    = "subscribe"
	FrameUnsubscribe  = "unsubscribe"
	FrameMessage      = "message"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FrameChange       = "change"
	FrameSent         = "sent"
	FrameError        = "error"
)

// Frame is the single envelope used in both directions.
type Frame struct {
	Type           string          `json:"type"`
	Filter         string          `json:"filter,omitempty"`
	ConversationID int64           `json:"conversation_id,omitempty"`
	Content        string          `json:"content,omitempty"`
	MessageType    string          `json:"message_type,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Event          *realtime.Event `json:"event,omitempty"`
	Message        *models.Message `json:"message,omitempty"`
	Duplicate      bool            `json:"duplicate,omitempty"`
	Error          string          `json:"error,omitempty"`
	Timestamp      string          `json:"timestamp"`
}

// Conn is the subset of a websocket connection the client needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Client struct {
	hub   *Hub
	conn  Conn
	actor models.Actor

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// subscriptions is only touched by the ReadPump goroutine.
	subscriptions map[string]realtime.Subscription
}

func NewClient(hub *Hub, conn Conn, actor models.Actor) *Client {
	return &Client{
		hub:           hub,
		conn:          conn,
		actor:         actor,
		send:          make(chan []byte, sendBufferSize),
		subscriptions: make(map[string]realtime.Subscription),
	}
}

// ReadPump handles client frames until the connection fails. Every
// subscription the client opened is released on the way out.
func (c *Client) ReadPump() {
	defer func() {
		c.releaseSubscriptions()
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var incoming Frame
		if err := json.Unmarshal(payload, &incoming); err != nil {
			c.writeError("invalid message payload")
			continue
		}

		switch incoming.Type {
		case FrameSubscribe:
			c.subscribe(incoming.Filter)
		case FrameUnsubscribe:
			c.unsubscribe(incoming.Filter)
		case FrameMessage:
			c.sendMessage(incoming)
		default:
			c.writeError("unsupported message type")
		}
	}
}

func (c *Client) WritePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (c *Client) subscribe(raw string) {
	filter, err := realtime.ParseFilter(raw)
	if err != nil {
		c.writeError("invalid filter")
		return
	}
	key := filter.String()
	if _, exists := c.subscriptions[key]; exists {
		c.write(Frame{Type: FrameSubscribed, Filter: key})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.hub.requestTimeout)
	defer cancel()

	if err := c.hub.service.AuthorizeSubscription(ctx, c.actor, filter); err != nil {
		c.writeError(errorText(err))
		return
	}

	subscription, err := c.hub.subscriber.Subscribe(ctx, filter, func(event realtime.Event) {
		c.write(Frame{Type: FrameChange, Filter: key, Event: &event})
	})
	if err != nil {
		c.hub.logger.Error().Err(err).Str("filter", key).Msg("subscribe to broker")
		c.writeError("failed to subscribe")
		return
	}
	c.subscriptions[key] = subscription
	c.write(Frame{Type: FrameSubscribed, Filter: key})
}

func (c *Client) unsubscribe(raw string) {
	filter, err := realtime.ParseFilter(raw)
	if err != nil {
		c.writeError("invalid filter")
		return
	}
	key := filter.String()
	if subscription, exists := c.subscriptions[key]; exists {
		subscription.Unsubscribe()
		delete(c.subscriptions, key)
	}
	c.write(Frame{Type: FrameUnsubscribed, Filter: key})
}

func (c *Client) sendMessage(incoming Frame) {
	if incoming.ConversationID <= 0 {
		c.writeError("invalid conversation id")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.hub.requestTimeout)
	defer cancel()

	result, err := c.hub.service.SendMessage(ctx, c.actor, models.SendMessageInput{
		ConversationID: incoming.ConversationID,
		Content:        incoming.Content,
		MessageType:    incoming.MessageType,
		Metadata:       incoming.Metadata,
		IdempotencyKey: incoming.IdempotencyKey,
	})
	if err != nil {
		c.writeError(errorText(err))
		return
	}

	c.write(Frame{
		Type:           FrameSent,
		ConversationID: result.Message.ConversationID,
		IdempotencyKey: incoming.IdempotencyKey,
		Message:        result.Message,
		Duplicate:      result.Duplicate,
	})
}

func (c *Client) releaseSubscriptions() {
	for key, subscription := range c.subscriptions {
		subscription.Unsubscribe()
		delete(c.subscriptions, key)
	}
}

func (c *Client) write(frame Frame) {
	frame.Timestamp = services.FormatChatTimestamp(time.Now().UTC())
	payload, err := json.Marshal(frame)
	if err != nil {
		c.hub.logger.Error().Err(err).Str("type", frame.Type).Msg("encode frame")
		return
	}
	if !c.enqueue(payload) {
		c.hub.logger.Warn().Int64("user_id", c.actor.UserID).Msg("dropping slow websocket client")
		go c.hub.Unregister(c)
	}
}

func (c *Client) writeError(message string) {
	c.write(Frame{Type: FrameError, Error: message})
}

// enqueue reports false when the buffer is full. Writes after close are
// silently ignored.
func (c *Client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func errorText(err error) string {
	switch {
	case errors.Is(err, services.ErrForbidden):
		return "forbidden"
	case errors.Is(err, services.ErrConversationNotFound):
		return "conversation not found"
	case errors.Is(err, services.ErrEmptyMessage):
		return "message is empty"
	case errors.Is(err, services.ErrMessageTooLong):
		return "message is too long"
	case errors.Is(err, services.ErrInvalidInput):
		return "invalid request"
	default:
		return "request failed"
	}
}
