// Package events defines the emitter contract between the settlement engine
// and whatever consumes its event feed.
package events

// Event is anything the engine can publish. Concrete events carry their own
// payload; the type string keys routing on the consumer side.
type Event interface {
	EventType() string
}

// Emitter receives every event an operation raises. The node installs a sink
// that buffers per operation so rolled-back work never reaches subscribers.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards everything. Engines start with it so event wiring
// stays optional.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}
