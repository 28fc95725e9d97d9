package gamestate

import "sync"

// Reader gives read access to the current state
type Reader interface {
	Get() State
}

// Updater applies a mutation to the current state
type Updater interface {
	Reader
	Update(fn func(*State))
}

// Source is an Updater that also publishes changes
type Source interface {
	Updater
	Subscribe(fn func(Change)) (unsubscribe func())
}

type subscriber struct {
	id uint64
	fn func(Change)
}

// Holder owns the state. Updates are applied one at a time and every
// subscriber sees changes in the order they were applied. An update made
// from inside a subscriber is queued and delivered after the current one.
type Holder struct {
	writeMu  sync.Mutex
	mu       sync.Mutex
	state    State
	subs     []subscriber
	nextID   uint64
	pending  []Change
	draining bool
}

var _ Source = (*Holder)(nil)

// NewHolder creates a holder starting from the given state
func NewHolder(initial State) *Holder {
	return &Holder{state: initial.Clone()}
}

// Get returns a copy of the current state
func (h *Holder) Get() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Clone()
}

// Update applies fn to a copy of the state and publishes the change.
// fn may call Get but must not call Update; nested updates belong in
// subscribers. If fn panics the state is left untouched.
func (h *Holder) Update(fn func(*State)) {
	if h.apply(fn) {
		h.drain()
	}
}

// apply commits one update and reports whether the caller has to drain
func (h *Holder) apply(fn func(*State)) bool {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	old := h.Get()
	next := old.Clone()
	fn(&next)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = next
	h.pending = append(h.pending, Change{Old: old, New: next.Clone()})
	if h.draining {
		return false
	}
	h.draining = true
	return true
}

// Replace swaps in a whole new state
func (h *Holder) Replace(s State) {
	next := s.Clone()
	h.Update(func(st *State) { *st = next })
}

// Subscribe registers fn for every later change
func (h *Holder) Subscribe(fn func(Change)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscriber{id: id, fn: fn})

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, s := range h.subs {
			if s.id == id {
				h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
				return
			}
		}
	}
}

func (h *Holder) drain() {
	defer func() {
		if r := recover(); r != nil {
			h.mu.Lock()
			h.draining = false
			h.pending = nil
			h.mu.Unlock()
			panic(r)
		}
	}()

	for {
		h.mu.Lock()
		if len(h.pending) == 0 {
			h.draining = false
			h.mu.Unlock()
			return
		}
		change := h.pending[0]
		h.pending = h.pending[1:]
		subs := make([]subscriber, len(h.subs))
		copy(subs, h.subs)
		h.mu.Unlock()

		for _, s := range subs {
			s.fn(change)
		}
	}
}
