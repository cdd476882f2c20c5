package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event is a lifecycle notification published by a pipeline component.
type Event struct {
	Type      string         // e.g. "stream.state", "stream.alert", "reply.failed"
	Source    string         // originating component
	Payload   map[string]any // event-specific data
	Timestamp time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a topic-based publish/subscribe bus for internal lifecycle
// events. Handlers run synchronously in the emitter's goroutine and must not block.
type EventBus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
	nextID     int
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventBus creates an EventBus that keeps the last 1000 events for replay.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: 1000,
	}
}

// On registers a handler for the given event type.
// Use "*" to listen to all events. Returns the handler ID for Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "-" + strconv.Itoa(eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to all registered handlers, in registration order.
// A nil *EventBus drops the event.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// Latest returns the most recent event of the given type.
func (eb *EventBus) Latest(eventType string) (Event, bool) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for i := len(eb.history) - 1; i >= 0; i-- {
		if eb.history[i].Type == eventType {
			return eb.history[i], true
		}
	}
	return Event{}, false
}

// Well-known event types.
const (
	EventStreamState     = "stream.state"
	EventStreamAlert     = "stream.alert"
	EventMessageReceived = "message.received"
	EventMessageDropped  = "message.dropped"
	EventTurnCompleted   = "turn.completed"
	EventReplySent       = "reply.sent"
	EventReplyFailed     = "reply.failed"
	EventConfigReloaded  = "config.reloaded"
)
