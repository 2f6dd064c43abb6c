package emit

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// SubscriptionID identifies a registered handler so it can be removed later.
type SubscriptionID string

// Handler processes a single event during synchronous dispatch.
type Handler func(Event)

type subscription struct {
	id        SubscriptionID
	eventType string // empty means all types
	handler   Handler
}

// Bus is an in-process, synchronous-dispatch pub/sub of typed events.
//
// Dispatch semantics:
//   - Emit delivers to all current subscribers in registration order.
//   - Handler panics are recovered and logged; they never abort the emit.
//   - The subscriber list is snapshotted under the lock and handlers run
//     outside it, so handlers may subscribe/unsubscribe freely; such
//     changes apply to subsequent emits only.
//
// Example:
//
//	bus := emit.NewBus(logger)
//	id := bus.On(emit.TypeNodeCompleted, func(ev emit.Event) {
//	    fmt.Println("completed:", ev.Data["nodeId"])
//	})
//	defer bus.Off(id)
type Bus struct {
	mu     sync.Mutex
	subs   []subscription
	logger *zap.Logger
}

// NewBus creates an event bus. A nil logger is replaced with zap.NewNop().
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

// Emit dispatches the event to every matching subscriber in registration
// order. A zero Ts is stamped with the current time before dispatch.
func (b *Bus) Emit(event Event) {
	if event.Ts.IsZero() {
		event.Ts = time.Now()
	}

	b.mu.Lock()
	snapshot := make([]subscription, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	for _, sub := range snapshot {
		if sub.eventType != "" && sub.eventType != event.Type {
			continue
		}
		b.invoke(sub, event)
	}
}

// invoke runs one handler, containing panics so a faulty subscriber cannot
// abort dispatch to the rest.
func (b *Bus) invoke(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				zap.String("subscription", string(sub.id)),
				zap.String("event_type", event.Type),
				zap.Any("panic", r))
		}
	}()
	sub.handler(event)
}

// On registers a handler for a single event type and returns its
// subscription handle.
func (b *Bus) On(eventType string, handler Handler) SubscriptionID {
	return b.register(eventType, handler)
}

// OnAll registers a handler that receives every event regardless of type.
// The timeline recorder uses this to persist the full event stream.
func (b *Bus) OnAll(handler Handler) SubscriptionID {
	return b.register("", handler)
}

// Off removes a subscription. Returns false if the id is unknown (already
// removed or never registered).
func (b *Bus) Off(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Attach bridges every bus event into an Emitter and returns the
// subscription handle so the bridge can be detached with Off.
func (b *Bus) Attach(e Emitter) SubscriptionID {
	return b.OnAll(e.Emit)
}

func (b *Bus) register(eventType string, handler Handler) SubscriptionID {
	id := SubscriptionID(ulid.Make().String())

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs = append(b.subs, subscription{
		id:        id,
		eventType: eventType,
		handler:   handler,
	})
	return id
}
