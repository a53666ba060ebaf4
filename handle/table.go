package handle

import (
	"sync"

	"github.com/wippyai/metrics-bridge/errors"
)

// Table records the host-side state of every handle issued by one native
// core instance.
type Table struct {
	entries   map[Handle]*entry
	observers map[uint64]Observer
	mu        sync.RWMutex
	obsMu     sync.RWMutex
	live      int
	nextObs   uint64
	closed    bool
}

type entry struct {
	info  Info
	state State
}

// NewTable creates an empty handle table.
func NewTable() *Table {
	return &Table{
		entries:   make(map[Handle]*entry, 64),
		observers: make(map[uint64]Observer),
	}
}

// Register records a freshly created handle as Live.
// A token that is already Live means the native core issued a duplicate.
// Destroyed tokens may be reissued by the core.
func (t *Table) Register(h Handle, info Info) error {
	if h == 0 {
		return errors.InvalidData(errors.PhaseBoundary, "create_metric", "native core returned handle 0")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.Closed(errors.PhaseRuntime, "handle table")
	}
	if e, ok := t.entries[h]; ok && e.state == StateLive {
		t.mu.Unlock()
		return errors.New(errors.PhaseBoundary, errors.KindInvalidData).
			Op("create_metric").
			Value(h).
			Detail("native core returned live handle %d for %s", h, info.Identifier()).
			Build()
	}
	t.entries[h] = &entry{info: info, state: StateLive}
	t.live++
	t.mu.Unlock()

	t.notify(Event{Type: EventCreated, Handle: h, Info: info})
	return nil
}

// Acquire returns the metadata of a Live handle. Any other state is a
// protocol violation and panics.
func (t *Table) Acquire(op string, h Handle) Info {
	t.mu.RLock()
	e, ok := t.entries[h]
	var info Info
	var state State
	if ok {
		info, state = e.info, e.state
	}
	t.mu.RUnlock()

	switch {
	case !ok:
		errors.Violation(errors.KindUnknownHandle, op, "handle %d was never issued", h)
	case state == StateDestroyed:
		errors.Violation(errors.KindUseAfterDestroy, op, "handle %d (%s) already destroyed", h, info.Identifier())
	}
	return info
}

// Retire moves a Live handle to Destroyed. Retiring twice panics.
func (t *Table) Retire(op string, h Handle) Info {
	t.mu.Lock()
	e, ok := t.entries[h]
	if !ok {
		t.mu.Unlock()
		errors.Violation(errors.KindUnknownHandle, op, "handle %d was never issued", h)
	}
	if e.state != StateLive {
		t.mu.Unlock()
		errors.Violation(errors.KindUseAfterDestroy, op, "handle %d (%s) already destroyed", h, e.info.Identifier())
	}
	e.state = StateDestroyed
	t.live--
	info := e.info
	t.mu.Unlock()

	t.notify(Event{Type: EventDestroyed, Handle: h, Info: info})
	return info
}

// State returns the lifecycle state of h.
func (t *Table) State(h Handle) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[h]; ok {
		return e.state
	}
	return StateUnallocated
}

// Len returns the number of Live handles.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// Each iterates over all Live handles.
func (t *Table) Each(fn func(Handle, Info) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for h, e := range t.entries {
		if e.state != StateLive {
			continue
		}
		if !fn(h, e.info) {
			return
		}
	}
}

// Subscribe adds an observer and returns a function that removes it.
func (t *Table) Subscribe(o Observer) (unsubscribe func()) {
	t.obsMu.Lock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = o
	t.obsMu.Unlock()

	return func() {
		t.obsMu.Lock()
		delete(t.observers, id)
		t.obsMu.Unlock()
	}
}

// Close stops accepting registrations and returns the handles that were
// still Live. The native core owns their resources; callers decide whether
// to destroy them first.
func (t *Table) Close() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var leaked []Handle
	for h, e := range t.entries {
		if e.state == StateLive {
			leaked = append(leaked, h)
		}
	}
	return leaked
}

func (t *Table) notify(e Event) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.OnHandleEvent(e)
	}
}
