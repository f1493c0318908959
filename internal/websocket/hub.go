package chatws

import (
	"context"
	"sync"
	"time"

	"github.com/WimpyvL/zappy-health-app-sub000/internal/metrics"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/models"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/realtime"
	"github.com/rs/zerolog"
)

const (
	defaultRequestTimeout = 10 * time.Second
	sendBufferSize        = 32
)

type chatService interface {
	SendMessage(ctx context.Context, actor models.Actor, input models.SendMessageInput) (*models.SendResult, error)
	AuthorizeSubscription(ctx context.Context, actor models.Actor, filter realtime.Filter) error
}

// Hub tracks connected sockets and bridges their subscriptions onto the
// realtime broker.
type Hub struct {
	service        chatService
	subscriber     realtime.Subscriber
	logger         zerolog.Logger
	requestTimeout time.Duration

	clients    map[int64]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	count      chan chan int
	done       chan struct{}
	stopped    chan struct{}
	closeOnce  sync.Once
}

func NewHub(service chatService, subscriber realtime.Subscriber, logger zerolog.Logger, requestTimeout time.Duration) *Hub {
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	return &Hub{
		service:        service,
		subscriber:     subscriber,
		logger:         logger.With().Str("component", "websocket").Logger(),
		requestTimeout: requestTimeout,
		clients:        make(map[int64]map[*Client]struct{}),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		count:          make(chan chan int),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}
}

func (h *Hub) Run() {
	defer close(h.stopped)
	for {
		select {
		case client := <-h.register:
			set, ok := h.clients[client.actor.UserID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.actor.UserID] = set
			}
			set[client] = struct{}{}
			metrics.WebSocketClients.Inc()
		case client := <-h.unregister:
			h.remove(client)
		case reply := <-h.count:
			total := 0
			for _, set := range h.clients {
				total += len(set)
			}
			reply <- total
		case <-h.done:
			for _, set := range h.clients {
				for client := range set {
					h.remove(client)
					_ = client.conn.Close()
				}
			}
			return
		}
	}
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.closeSend()
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		client.closeSend()
	}
}

// ClientCount reports the number of registered sockets.
func (h *Hub) ClientCount() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Shutdown closes every socket and stops Run.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.closeOnce.Do(func() { close(h.done) })
	select {
	case <-h.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) remove(client *Client) {
	set, ok := h.clients[client.actor.UserID]
	if !ok {
		return
	}
	if _, exists := set[client]; exists {
		delete(set, client)
		client.closeSend()
		metrics.WebSocketClients.Dec()
	}
	if len(set) == 0 {
		delete(h.clients, client.actor.UserID)
	}
}
