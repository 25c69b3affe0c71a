// Package events is the notification sink the engine publishes run status
// to. Consumers subscribe by event type or by run identifier.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/theuselessai/pipelit/types"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
)

// Event types published by the engine and scheduler.
const (
	TypeRunStarted    = "run_started"
	TypeNodeStatus    = "node_status"
	TypeRunCompleted  = "run_completed"
	TypeRunFailed     = "run_failed"
	TypeScheduleState = "schedule_state"
)

// Event is one status notification.
type Event struct {
	Type       string         `json:"type"`
	RunID      types.RunID    `json:"run_id,omitempty"`
	NodeID     types.NodeID   `json:"node_id,omitempty"`
	ScheduleID uint64         `json:"schedule_id,omitempty"`
	Status     string         `json:"status,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         int64          `json:"at"`
}

// Handler consumes events for a subscribed topic.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// RunTopic is the subscription topic carrying every event of one run.
func RunTopic(id types.RunID) string {
	return "run:" + string(id)
}

// Bus fans events out to topic subscribers asynchronously. Each event is
// delivered both under its type topic and under its run topic.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler

	eventCh chan Event
	wg      sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool

	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		b.eventCh = make(chan Event, size)
	}
}

// WithLogger sets the logger used for handler failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates a Bus and starts its delivery goroutine. The default
// buffer size is 256.
func NewBus(options ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string][]Handler),
		eventCh:  make(chan Event, 256),
		logger:   slog.Default().With("component", "events"),
	}
	for _, option := range options {
		option(b)
	}
	b.wg.Add(1)
	go b.process()
	return b
}

// Subscribe registers a handler for a topic: an event type constant or a
// RunTopic.
func (b *Bus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// SubscribeFunc registers a plain function for a topic.
func (b *Bus) SubscribeFunc(topic string, fn func(ctx context.Context, event Event) error) {
	b.Subscribe(topic, HandlerFunc(fn))
}

// Unsubscribe removes every handler registered for a topic. Delivery is
// asynchronous, so run-scoped consumers should unsubscribe themselves after
// they have seen the run's terminal event; nothing removes them implicitly.
func (b *Bus) Unsubscribe(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
}

// Publish submits an event for asynchronous delivery. A full channel is
// reported rather than blocking the engine's hot path.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.closeMu.RLock()
	if b.closed {
		b.closeMu.RUnlock()
		return ErrBusClosed
	}
	b.closeMu.RUnlock()

	if event.At == 0 {
		event.At = time.Now().UnixMilli()
	}
	select {
	case b.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// process delivers events to subscribers of both applicable topics.
func (b *Bus) process() {
	defer b.wg.Done()
	for event := range b.eventCh {
		b.mu.RLock()
		handlers := append([]Handler(nil), b.handlers[event.Type]...)
		if event.RunID != "" {
			handlers = append(handlers, b.handlers[RunTopic(event.RunID)]...)
		}
		b.mu.RUnlock()

		for _, h := range handlers {
			if err := h.Handle(context.Background(), event); err != nil {
				b.logger.Warn("event handler failed",
					"type", event.Type, "run_id", event.RunID, "error", err)
			}
		}
	}
}

// Stop shuts the bus down and waits for queued events to drain.
func (b *Bus) Stop() {
	b.closeMu.Lock()
	if !b.closed {
		b.closed = true
		close(b.eventCh)
	}
	b.closeMu.Unlock()
	b.wg.Wait()
}
