// Package eventbus is an in-process publish/subscribe hub with a middleware
// pipeline and priority-ordered listeners.
package eventbus

import (
	"sync"
	"time"
)

// Event is the record threaded through middlewares and listeners.
// Any stage may set Cancelled; later stages then see it and stop.
type Event struct {
	Name      string
	Payload   map[string]any
	Timestamp time.Time
	Cancelled bool
}

// Listener reacts to an event. Panics are not recovered by the bus.
type Listener func(e *Event)

// Middleware wraps dispatch. Calling next continues the pipeline; not
// calling it drops the event.
type Middleware func(e *Event, next func())

// ListenerID identifies a registration for Off
type ListenerID uint64

type listener struct {
	id       ListenerID
	fn       Listener
	priority int
}

// Bus dispatches events by name. It holds no business state.
type Bus struct {
	mu          sync.RWMutex
	middlewares []Middleware
	listeners   map[string][]listener
	nextID      ListenerID
	now         func() time.Time
}

// New creates an empty bus
func New() *Bus {
	return &Bus{
		listeners: make(map[string][]listener),
		now:       time.Now,
	}
}

// Use appends a middleware to the pipeline
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, mw)
}

// On registers fn for name. Higher priority runs first; equal priorities
// run in registration order.
func (b *Bus) On(name string, fn Listener, priority int) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	l := listener{id: b.nextID, fn: fn, priority: priority}

	list := b.listeners[name]
	i := len(list)
	for i > 0 && list[i-1].priority < priority {
		i--
	}
	list = append(list, listener{})
	copy(list[i+1:], list[i:])
	list[i] = l
	b.listeners[name] = list

	return l.id
}

// Off removes one registration; false if it was not present
func (b *Bus) Off(name string, id ListenerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.listeners[name]
	for i, l := range list {
		if l.id != id {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(b.listeners, name)
		} else {
			b.listeners[name] = list
		}
		return true
	}
	return false
}

// RemoveAllListeners drops every listener for name
func (b *Bus) RemoveAllListeners(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, name)
}

// HasListeners reports whether anything listens to name
func (b *Bus) HasListeners(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[name]) > 0
}

// Emit builds an event and runs it through middlewares then listeners.
// It returns the event so callers can inspect Cancelled.
func (b *Bus) Emit(name string, payload map[string]any) *Event {
	e := &Event{
		Name:      name,
		Payload:   payload,
		Timestamp: b.now(),
	}

	b.mu.RLock()
	mws := make([]Middleware, len(b.middlewares))
	copy(mws, b.middlewares)
	b.mu.RUnlock()

	var step int
	var next func()
	next = func() {
		if e.Cancelled {
			return
		}
		if step < len(mws) {
			mw := mws[step]
			step++
			mw(e, next)
			return
		}
		b.dispatch(e)
	}
	next()

	return e
}

func (b *Bus) dispatch(e *Event) {
	b.mu.RLock()
	list := make([]listener, len(b.listeners[e.Name]))
	copy(list, b.listeners[e.Name])
	b.mu.RUnlock()

	for _, l := range list {
		if e.Cancelled {
			return
		}
		l.fn(e)
	}
}
