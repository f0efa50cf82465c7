// Package events fans out peer events to interested processes.
//
// Every event the peer emits is logged. When a Redis publisher is configured,
// events are also published as JSON to a channel. Publishing happens on a
// separate goroutine so a slow Redis never stalls the connection read loop.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gamegenie/genie-bridge/internal/config"
	"github.com/gamegenie/genie-bridge/internal/protocol"
)

const (
	defaultBufferSize     = 256
	defaultPublishTimeout = 2 * time.Second
)

// Publisher publishes a message to a channel. *redis.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Observer is notified of each publish attempt.
type Observer interface {
	EventPublished(ok bool)
}

// Envelope is the JSON published for each event.
type Envelope struct {
	Event      string          `json:"event"`
	ID         string          `json:"message_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Option configures a Fanout.
type Option func(*Fanout)

// WithObserver sets the publish observer.
func WithObserver(o Observer) Option {
	return func(f *Fanout) {
		f.observer = o
	}
}

// WithBufferSize sets how many events may queue before new ones are dropped.
func WithBufferSize(n int) Option {
	return func(f *Fanout) {
		if n > 0 {
			f.queue = make(chan protocol.Event, n)
		}
	}
}

// Fanout logs peer events and forwards them to a publisher.
type Fanout struct {
	pub      Publisher
	channel  string
	logger   *slog.Logger
	observer Observer
	queue    chan protocol.Event
}

// New creates a Fanout. A nil publisher only logs.
func New(pub Publisher, channel string, logger *slog.Logger, opts ...Option) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}

	f := &Fanout{
		pub:     pub,
		channel: channel,
		logger:  logger.With("component", "events"),
		queue:   make(chan protocol.Event, defaultBufferSize),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewRedisClient creates a go-redis client from cfg, or nil when Redis
// publishing is disabled.
func NewRedisClient(cfg config.EventsConfig) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// Handle accepts an event from the connection read loop. It never blocks.
func (f *Fanout) Handle(ev protocol.Event) {
	if ev.ID == "" {
		f.logger.Info("peer event", "event", ev.Name, "bytes", len(ev.Data))
	} else {
		f.logger.Debug("peer event", "event", ev.Name, "message_id", ev.ID)
	}

	if f.pub == nil {
		return
	}

	select {
	case f.queue <- ev:
	default:
		f.logger.Warn("event queue full, dropping event", "event", ev.Name)
		f.observe(false)
	}
}

// Run publishes queued events until ctx is cancelled.
func (f *Fanout) Run(ctx context.Context) error {
	if f.pub == nil {
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-f.queue:
			f.publish(ctx, ev)
		}
	}
}

func (f *Fanout) publish(ctx context.Context, ev protocol.Event) {
	payload, err := json.Marshal(Envelope{
		Event:      ev.Name,
		ID:         ev.ID,
		Data:       ev.Data,
		ReceivedAt: ev.ReceivedAt,
	})
	if err != nil {
		f.logger.Warn("failed to encode event", "event", ev.Name, "error", err)
		f.observe(false)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()

	if err := f.pub.Publish(pubCtx, f.channel, payload).Err(); err != nil {
		f.logger.Warn("failed to publish event",
			"event", ev.Name,
			"channel", f.channel,
			"error", err,
		)
		f.observe(false)
		return
	}
	f.observe(true)
}

func (f *Fanout) observe(ok bool) {
	if f.observer != nil {
		f.observer.EventPublished(ok)
	}
}
