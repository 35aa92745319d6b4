package features

import (
	"iter"
	"sync"
	"sync/atomic"
)

type snapshot struct {
	slots    [NumWellKnown]any
	overflow map[*Kind]any
}

// Defaults is a connection or server level backstop shared by many
// requests. Reads are lock-free; writes publish a new snapshot.
type Defaults struct {
	mu       sync.Mutex
	current  atomic.Pointer[snapshot]
	revision atomic.Uint64
	parent   Backstop
}

// NewDefaults creates an empty backstop that falls through to parent (may be nil)
func NewDefaults(parent Backstop) *Defaults {
	d := &Defaults{parent: parent}
	d.current.Store(&snapshot{})
	return d
}

// Lookup implements Backstop.
func (d *Defaults) Lookup(k *Kind) (any, bool) {
	if k == nil {
		return nil, false
	}
	if v, ok := d.current.Load().get(k); ok {
		return v, true
	}
	if d.parent != nil {
		return d.parent.Lookup(k)
	}
	return nil, false
}

func (s *snapshot) get(k *Kind) (any, bool) {
	if k.hot {
		v := s.slots[k.index]
		return v, v != nil
	}
	v, ok := s.overflow[k]
	return v, ok
}

// Set publishes v for k. A nil v removes it.
func (d *Defaults) Set(k *Kind, v any) error {
	if k == nil {
		return ErrNilKind
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	old := d.current.Load()
	if v == nil {
		if _, ok := old.get(k); !ok {
			return nil
		}
	}

	next := &snapshot{slots: old.slots}
	if len(old.overflow) > 0 || !k.hot {
		next.overflow = make(map[*Kind]any, len(old.overflow)+1)
		for ek, ev := range old.overflow {
			next.overflow[ek] = ev
		}
	}
	switch {
	case k.hot:
		next.slots[k.index] = v
	case v == nil:
		delete(next.overflow, k)
	default:
		next.overflow[k] = v
	}

	d.current.Store(next)
	d.revision.Add(1)
	return nil
}

// Revision implements Backstop.
func (d *Defaults) Revision() uint64 {
	rev := d.revision.Load()
	if d.parent != nil {
		rev += d.parent.Revision()
	}
	return rev
}

// All implements Backstop.
func (d *Defaults) All() iter.Seq2[*Kind, any] {
	return func(yield func(*Kind, any) bool) {
		s := d.current.Load()
		for i, v := range s.slots {
			if v != nil && !yield(wellKnownKinds[i], v) {
				return
			}
		}
		for k, v := range s.overflow {
			if !yield(k, v) {
				return
			}
		}
		if d.parent == nil {
			return
		}
		for k, v := range d.parent.All() {
			if _, shadowed := s.get(k); shadowed {
				continue
			}
			if !yield(k, v) {
				return
			}
		}
	}
}
