package features

import "iter"

// Backstop supplies capabilities for kinds a Collection has not set.
type Backstop interface {
	Lookup(k *Kind) (any, bool)
	Revision() uint64
	All() iter.Seq2[*Kind, any]
}

type entry struct {
	kind  *Kind
	value any
}

// Collection is a per-request capability registry.
//
// Well-known kinds live in a fixed array, anything else in a small
// overflow slice. Kinds not set locally resolve through the backstop.
type Collection struct {
	slots    [NumWellKnown]any
	overflow []entry
	defaults Backstop
	revision uint64
}

// New creates a collection backed by defaults (may be nil)
func New(defaults Backstop) *Collection {
	return &Collection{defaults: defaults}
}

// Init rebinds the backstop of a pooled collection. The revision moves
// past the one observed through the previous backstop.
func (c *Collection) Init(defaults Backstop) {
	c.unbind()
	c.defaults = defaults
}

// unbind folds the backstop revision into the local count before the
// backstop is dropped, keeping Revision increasing
func (c *Collection) unbind() {
	if c.defaults != nil {
		c.revision += c.defaults.Revision()
	}
	c.revision++
	c.defaults = nil
}

// Defaults returns the backstop
func (c *Collection) Defaults() Backstop {
	return c.defaults
}

// Get returns the capability registered for k, or nil when absent.
func (c *Collection) Get(k *Kind) (any, error) {
	if k == nil {
		return nil, ErrNilKind
	}
	v, _ := c.Lookup(k)
	return v, nil
}

// Lookup implements Backstop.
func (c *Collection) Lookup(k *Kind) (any, bool) {
	if k == nil {
		return nil, false
	}
	if v, ok := c.local(k); ok {
		return v, true
	}
	if c.defaults != nil {
		return c.defaults.Lookup(k)
	}
	return nil, false
}

func (c *Collection) local(k *Kind) (any, bool) {
	if k.hot {
		v := c.slots[k.index]
		return v, v != nil
	}
	for i := range c.overflow {
		if c.overflow[i].kind == k {
			return c.overflow[i].value, true
		}
	}
	return nil, false
}

// Set stores v for k. A nil v removes the local entry.
func (c *Collection) Set(k *Kind, v any) error {
	if k == nil {
		return ErrNilKind
	}
	if v == nil {
		if c.remove(k) {
			c.revision++
		}
		return nil
	}
	c.revision++
	if k.hot {
		c.slots[k.index] = v
		return nil
	}
	for i := range c.overflow {
		if c.overflow[i].kind == k {
			c.overflow[i].value = v
			return nil
		}
	}
	c.overflow = append(c.overflow, entry{kind: k, value: v})
	return nil
}

func (c *Collection) remove(k *Kind) bool {
	if k.hot {
		existed := c.slots[k.index] != nil
		c.slots[k.index] = nil
		return existed
	}
	for i := range c.overflow {
		if c.overflow[i].kind == k {
			last := len(c.overflow) - 1
			c.overflow[i] = c.overflow[last]
			c.overflow[last] = entry{}
			c.overflow = c.overflow[:last]
			return true
		}
	}
	return false
}

// Revision combines the local mutation count with the backstop revision.
func (c *Collection) Revision() uint64 {
	if c.defaults == nil {
		return c.revision
	}
	return c.revision + c.defaults.Revision()
}

// All yields set hot slots, then overflow entries, then backstop entries
// not shadowed locally. Each kind is visited once.
func (c *Collection) All() iter.Seq2[*Kind, any] {
	return func(yield func(*Kind, any) bool) {
		for i, v := range c.slots {
			if v == nil {
				continue
			}
			if !yield(wellKnownKinds[i], v) {
				return
			}
		}
		for _, e := range c.overflow {
			if !yield(e.kind, e.value) {
				return
			}
		}
		if c.defaults == nil {
			return
		}
		for k, v := range c.defaults.All() {
			if _, shadowed := c.local(k); shadowed {
				continue
			}
			if !yield(k, v) {
				return
			}
		}
	}
}

// Len counts the distinct kinds visible through the collection
func (c *Collection) Len() int {
	n := 0
	for range c.All() {
		n++
	}
	return n
}

// Reset clears local entries and the backstop. The revision is bumped,
// never rewound.
func (c *Collection) Reset() {
	c.slots = [NumWellKnown]any{}
	clear(c.overflow)
	c.overflow = c.overflow[:0]
	c.unbind()
}

// Get returns the capability for k as T.
func Get[T any](c *Collection, k *Kind) (T, bool) {
	var zero T
	if c == nil || k == nil {
		return zero, false
	}
	v, ok := c.Lookup(k)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
