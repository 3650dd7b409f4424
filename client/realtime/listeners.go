package realtime

import (
	"sync"
	"sync/atomic"
)

// Listener receives dispatched frames
type Listener func(Frame)

type subscription struct {
	typ    string
	fn     Listener
	active atomic.Bool
}

// registry is copy-on-write: dispatch iterates an immutable snapshot, so
// subscribing or unsubscribing from inside a listener never disturbs it.
type registry struct {
	mu   sync.Mutex
	subs atomic.Pointer[[]*subscription]
}

func (r *registry) add(typ string, fn Listener) func() {
	s := &subscription{typ: typ, fn: fn}
	s.active.Store(true)

	r.mu.Lock()
	cur := r.snapshot()
	next := make([]*subscription, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, s)
	r.subs.Store(&next)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(s) })
	}
}

func (r *registry) remove(s *subscription) {
	s.active.Store(false)

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snapshot()
	next := make([]*subscription, 0, len(cur))
	for _, e := range cur {
		if e != s {
			next = append(next, e)
		}
	}
	r.subs.Store(&next)
}

func (r *registry) snapshot() []*subscription {
	if p := r.subs.Load(); p != nil {
		return *p
	}
	return nil
}

// dispatch delivers f to every active listener subscribed to its type or to
// all types. A listener removed during this dispatch is skipped.
func (r *registry) dispatch(f Frame) int {
	n := 0
	for _, s := range r.snapshot() {
		if !s.active.Load() {
			continue
		}
		if s.typ != "" && s.typ != f.Type {
			continue
		}
		s.fn(f)
		n++
	}
	return n
}

func (r *registry) len() int {
	return len(r.snapshot())
}
