package emit

// Emitter receives and processes observability events from the platform.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files, syslog
//   - Distributed tracing: OpenTelemetry
//   - Test capture: BufferedEmitter
//
// Implementations should be:
//   - Non-blocking: avoid slowing down run execution
//   - Thread-safe: may be called concurrently from parallel-for children
//   - Resilient: emitter failures must never fail a workflow
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Emit must not panic and must not block run execution. Errors are
	// handled internally (logged or dropped), never returned.
	Emit(event Event)
}

// Multi fans a single event out to several emitters in order.
//
// A nil slice is valid and behaves like a NullEmitter.
type Multi []Emitter

// Emit delivers the event to every registered emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
