package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/WimpyvL/zappy-health-app-sub000/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const DefaultRedisChannel = "zappy:realtime"

// RedisBroker shares events between server instances over a redis pub/sub
// channel. Every instance relays what it receives into a local MemoryBroker,
// so subscribers only ever talk to the local broker.
type RedisBroker struct {
	client  *redis.Client
	channel string
	local   *MemoryBroker
	logger  zerolog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewRedisBroker(ctx context.Context, redisURL string, logger zerolog.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return newRedisBroker(client, DefaultRedisChannel, logger), nil
}

func newRedisBroker(client *redis.Client, channel string, logger zerolog.Logger) *RedisBroker {
	runCtx, cancel := context.WithCancel(context.Background())
	b := &RedisBroker{
		client:  client,
		channel: channel,
		local:   NewMemoryBroker(logger),
		logger:  logger.With().Str("component", "realtime-redis").Logger(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go b.run(runCtx)
	return b
}

func (b *RedisBroker) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, filter Filter, handler Handler) (Subscription, error) {
	return b.local.Subscribe(ctx, filter, handler)
}

func (b *RedisBroker) Close() error {
	b.cancel()
	<-b.done
	_ = b.local.Close()
	return b.client.Close()
}

func (b *RedisBroker) run(ctx context.Context) {
	defer close(b.done)
	backoff := NewBackoff(250*time.Millisecond, 30*time.Second)

	for {
		pubsub := b.client.Subscribe(ctx, b.channel)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			delay := backoff.Next()
			metrics.RealtimeReconnects.WithLabelValues("redis").Inc()
			b.logger.Warn().Err(err).Dur("retry_in", delay).Msg("redis subscribe failed")
			if !sleepContext(ctx, delay) {
				return
			}
			continue
		}
		backoff.Reset()
		b.logger.Info().Str("channel", b.channel).Msg("redis subscription established")

		if !b.relay(ctx, pubsub) {
			return
		}
	}
}

// relay forwards messages until the context ends (false) or the channel
// closes underneath it (true, resubscribe).
func (b *RedisBroker) relay(ctx context.Context, pubsub *redis.PubSub) bool {
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-ch:
			if !ok {
				b.logger.Warn().Msg("redis subscription channel closed")
				return true
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn().Err(err).Msg("discarding malformed redis event")
				continue
			}
			_ = b.local.Publish(ctx, event)
		}
	}
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
