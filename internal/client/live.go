package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/WimpyvL/zappy-health-app-sub000/internal/realtime"
	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
)

const outboundBuffer = 64

var ErrLiveClosed = errors.New("live connection closed")

type frame struct {
	Type      string          `json:"type"`
	Filter    string          `json:"filter,omitempty"`
	Event     *realtime.Event `json:"event,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

type LiveOption func(*Live)

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(min, max time.Duration) LiveOption {
	return func(l *Live) {
		l.backoff = realtime.NewBackoff(min, max)
	}
}

// Live multiplexes realtime subscriptions over a single websocket. It
// reconnects with exponential backoff and re-subscribes every active filter.
// Once the server confirms a re-subscription, each handler of that filter
// fires once so callers refetch whatever they missed while disconnected.
//
// Handlers run on the connection's reader goroutine and must not block.
type Live struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	logger  zerolog.Logger
	backoff *realtime.Backoff

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	handlers  map[string]map[uint64]realtime.Handler
	filters   map[string]realtime.Filter
	nextID    uint64
	outbound  chan frame
	connected bool
	closed    bool
}

// NewLive starts connecting in the background and returns immediately.
func NewLive(baseURL, token string, logger zerolog.Logger, opts ...LiveOption) (*Live, error) {
	wsURL, err := websocketURL(baseURL, token)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Live{
		url:      wsURL,
		header:   http.Header{},
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   logger.With().Str("component", "live").Logger(),
		backoff:  realtime.NewBackoff(250*time.Millisecond, 30*time.Second),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		handlers: make(map[string]map[uint64]realtime.Handler),
		filters:  make(map[string]realtime.Filter),
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.run()
	return l, nil
}

// Subscribe registers handler for filter. It never waits on the network;
// the subscribe frame goes out now if connected, or on the next connect.
func (l *Live) Subscribe(ctx context.Context, filter realtime.Filter, handler realtime.Handler) (realtime.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("live: nil handler")
	}

	key := filter.String()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLiveClosed
	}
	l.nextID++
	id := l.nextID
	set, ok := l.handlers[key]
	if !ok {
		set = make(map[uint64]realtime.Handler)
		l.handlers[key] = set
		l.filters[key] = filter
		l.enqueueLocked(frame{Type: "subscribe", Filter: key})
	}
	set[id] = handler

	return &liveSubscription{live: l, key: key, id: id}, nil
}

func (l *Live) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	<-l.done
	return nil
}

type liveSubscription struct {
	live *Live
	key  string
	id   uint64
	once sync.Once
}

func (s *liveSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.live.remove(s.key, s.id)
	})
}

func (l *Live) remove(key string, id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.handlers[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(l.handlers, key)
		delete(l.filters, key)
		l.enqueueLocked(frame{Type: "unsubscribe", Filter: key})
	}
}

// enqueueLocked drops the frame when disconnected or when the buffer is
// full. Reconnecting re-sends every active filter, so nothing is lost for
// long.
func (l *Live) enqueueLocked(f frame) {
	if !l.connected || l.outbound == nil {
		return
	}
	select {
	case l.outbound <- f:
	default:
		l.logger.Warn().Str("type", f.Type).Str("filter", f.Filter).Msg("outbound frame buffer full")
	}
}

func (l *Live) run() {
	defer close(l.done)
	reconnect := false

	for {
		conn, _, err := l.dialer.DialContext(l.ctx, l.url, l.header)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			delay := l.backoff.Next()
			l.logger.Warn().Err(err).Dur("retry_in", delay).Int("attempt", l.backoff.Attempt()).Msg("live connect failed")
			if !sleepContext(l.ctx, delay) {
				return
			}
			continue
		}
		l.backoff.Reset()
		l.logger.Info().Bool("reconnect", reconnect).Msg("live connection established")

		err = l.serve(conn, reconnect)
		reconnect = true
		if l.ctx.Err() != nil {
			return
		}
		delay := l.backoff.Next()
		l.logger.Warn().Err(err).Dur("retry_in", delay).Msg("live connection lost")
		if !sleepContext(l.ctx, delay) {
			return
		}
	}
}

// serve runs one connection until it fails or the Live is closed.
func (l *Live) serve(conn *websocket.Conn, reconnect bool) error {
	l.mu.Lock()
	outbound := make(chan frame, outboundBuffer+len(l.filters))
	l.outbound = outbound
	l.connected = true
	// Filters awaiting the server's ack before their resync fires.
	resync := make(map[string]realtime.Filter, len(l.filters))
	for key, filter := range l.filters {
		if reconnect {
			resync[key] = filter
		}
		outbound <- frame{Type: "subscribe", Filter: key}
	}
	l.mu.Unlock()

	writerDone := make(chan struct{})
	stopWriter := make(chan struct{})
	go func() {
		defer close(writerDone)
		l.writeLoop(conn, outbound, stopWriter)
	}()

	// Closing the socket unblocks ReadMessage when the Live shuts down.
	stopCloser := context.AfterFunc(l.ctx, func() { _ = conn.Close() })

	defer func() {
		stopCloser()
		l.mu.Lock()
		l.connected = false
		l.outbound = nil
		l.mu.Unlock()
		close(stopWriter)
		<-writerDone
		_ = conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var incoming frame
		if err := json.Unmarshal(payload, &incoming); err != nil {
			l.logger.Warn().Err(err).Msg("discarding malformed frame")
			continue
		}
		switch incoming.Type {
		case "subscribed":
			if filter, ok := resync[incoming.Filter]; ok {
				delete(resync, incoming.Filter)
				l.dispatch(incoming.Filter, resyncEvent(filter))
			}
		case "change":
			if incoming.Event != nil {
				l.dispatch(incoming.Filter, *incoming.Event)
			}
		case "error":
			l.logger.Warn().Str("error", incoming.Error).Msg("server rejected frame")
		}
	}
}

func (l *Live) writeLoop(conn *websocket.Conn, outbound <-chan frame, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case f := <-outbound:
			payload, err := json.Marshal(f)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				l.logger.Warn().Err(err).Msg("live write failed")
				_ = conn.Close()
				return
			}
		}
	}
}

func (l *Live) dispatch(key string, event realtime.Event) {
	l.mu.Lock()
	set := l.handlers[key]
	handlers := make([]realtime.Handler, 0, len(set))
	for _, handler := range set {
		handlers = append(handlers, handler)
	}
	l.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// resyncEvent is delivered after a reconnect. It matches the filter so the
// subscriber treats it like any other change.
func resyncEvent(filter realtime.Filter) realtime.Event {
	event := realtime.Event{Table: filter.Table, Type: realtime.EventUpdate, At: time.Now().UTC()}
	switch filter.Column {
	case realtime.ColumnPatientID:
		event.PatientID = filter.Value
	case realtime.ColumnConversationID:
		event.ConversationID = filter.Value
	}
	return event
}

func websocketURL(baseURL, token string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/api/v1/ws"
	query := parsed.Query()
	query.Set("token", token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func sleepContext(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
