package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use when observability overhead is unwanted or when a component requires an
// emitter but the caller has nothing to attach.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter. Safe for concurrent use.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {}
