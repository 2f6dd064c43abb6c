package emit

// NullEmitter implements Emitter by discarding all events.
//
// Useful for benchmarks and for hosts that rely solely on Bus
// subscriptions and the timeline recorder.
type NullEmitter struct{}

// NewNullEmitter creates an emitter that drops everything.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(_ Event) {}
