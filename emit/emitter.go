package emit

// Emitter receives observability events from the Bus or directly from
// components.
//
// Implementations should be:
//   - Non-blocking: avoid slowing down workflow execution
//   - Thread-safe: may be called concurrently
//   - Resilient: handle backend failures without crashing the workflow
//
// Common patterns: logging (LogEmitter), distributed tracing (OTelEmitter),
// discarding (NullEmitter), or fanning out to several backends by attaching
// multiple emitters to the same Bus.
type Emitter interface {
	// Emit delivers one event. Emit must not panic; errors should be
	// handled internally (logged or dropped).
	Emit(event Event)
}
