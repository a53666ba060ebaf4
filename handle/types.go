package handle

import "strconv"

// Handle is an opaque token issued by the native core.
// Handle 0 is reserved and always invalid.
type Handle uint64

func (h Handle) String() string {
	return strconv.FormatUint(uint64(h), 10)
}

// State is the lifecycle state of a handle as seen by the host.
type State uint8

const (
	StateUnallocated State = iota
	StateLive
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unallocated"
	}
}

// Info is host-side metadata recorded when a handle is registered.
type Info struct {
	Category string
	Name     string
}

// Identifier returns the dotted metric identifier.
func (i Info) Identifier() string {
	if i.Category == "" {
		return i.Name
	}
	return i.Category + "." + i.Name
}

// EventType identifies a lifecycle transition.
type EventType uint8

const (
	EventCreated EventType = iota
	EventDestroyed
)

func (t EventType) String() string {
	if t == EventDestroyed {
		return "destroyed"
	}
	return "created"
}

// Event represents a handle lifecycle event.
type Event struct {
	Info   Info
	Handle Handle
	Type   EventType
}

// Observer receives notifications about handle lifecycle events.
type Observer interface {
	OnHandleEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// OnHandleEvent calls f(e).
func (f ObserverFunc) OnHandleEvent(e Event) { f(e) }
