package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/WimpyvL/zappy-health-app-sub000/internal/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

const DefaultNotifyChannel = "zappy_changes"

// PGListener turns pg_notify payloads emitted by the change triggers into
// published events. It owns one dedicated connection and reconnects with
// backoff whenever that connection drops.
type PGListener struct {
	connString string
	channel    string
	publisher  Publisher
	logger     zerolog.Logger
	minDelay   time.Duration
	maxDelay   time.Duration
}

func NewPGListener(connString string, publisher Publisher, logger zerolog.Logger) *PGListener {
	return &PGListener{
		connString: connString,
		channel:    DefaultNotifyChannel,
		publisher:  publisher,
		logger:     logger.With().Str("component", "realtime-pg").Logger(),
		minDelay:   250 * time.Millisecond,
		maxDelay:   30 * time.Second,
	}
}

// Run blocks until ctx is cancelled.
func (l *PGListener) Run(ctx context.Context) {
	backoff := NewBackoff(l.minDelay, l.maxDelay)
	for {
		err := l.listen(ctx, backoff)
		if ctx.Err() != nil {
			return
		}

		delay := backoff.Next()
		metrics.RealtimeReconnects.WithLabelValues("postgres").Inc()
		l.logger.Warn().Err(err).Dur("retry_in", delay).Msg("postgres listener disconnected")
		if !sleepContext(ctx, delay) {
			return
		}
	}
}

func (l *PGListener) listen(ctx context.Context, backoff *Backoff) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	backoff.Reset()
	l.logger.Info().Str("channel", l.channel).Msg("listening for database changes")

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		event, err := decodeNotification(notification.Payload)
		if err != nil {
			l.logger.Warn().Err(err).Msg("discarding malformed change notification")
			continue
		}
		if err := l.publisher.Publish(ctx, event); err != nil {
			l.logger.Warn().Err(err).Str("table", event.Table).Msg("publish change event")
		}
	}
}

func decodeNotification(payload string) (Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return Event{}, fmt.Errorf("decode notification: %w", err)
	}
	switch event.Table {
	case TableConversations, TableMessages:
	default:
		return Event{}, fmt.Errorf("decode notification: unknown table %q", event.Table)
	}
	switch event.Type {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return Event{}, fmt.Errorf("decode notification: unknown type %q", event.Type)
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	return event, nil
}
