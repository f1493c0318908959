package chatsync

import (
	"time"

	"github.com/WimpyvL/zappy-health-app-sub000/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultReadDelay    = time.Second
	DefaultFetchTimeout = 10 * time.Second
)

type options struct {
	readDelay    time.Duration
	fetchTimeout time.Duration
	maxLength    int
	logger       zerolog.Logger
	onChange     []func(State)
	newKey       func() string
}

type Option func(*options)

func defaultOptions() options {
	return options{
		readDelay:    DefaultReadDelay,
		fetchTimeout: DefaultFetchTimeout,
		maxLength:    models.MaxMessageLength,
		logger:       zerolog.Nop(),
		newKey:       uuid.NewString,
	}
}

// WithReadDelay sets how long a thread must stay visible before its unread
// messages are marked read.
func WithReadDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.readDelay = d
		}
	}
}

// WithFetchTimeout bounds every backend call.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.fetchTimeout = d
		}
	}
}

func WithMaxLength(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxLength = n
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithOnChange registers a callback invoked with a fresh snapshot after state
// changes. Callbacks run one at a time on the session's notifier goroutine;
// a burst of changes may arrive as a single call with the latest state. A
// callback must not call Close.
func WithOnChange(fn func(State)) Option {
	return func(o *options) {
		if fn != nil {
			o.onChange = append(o.onChange, fn)
		}
	}
}

// WithIdempotencyKeys overrides how send idempotency keys are generated.
func WithIdempotencyKeys(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.newKey = fn
		}
	}
}
