package engine

import "sync"

// Handle is an opaque session token handed out by a [Table]. The zero Handle
// is never issued and always resolves to [ErrInvalidHandle].
//
// The upper 32 bits hold the slot generation and the lower 32 bits hold the
// slot index plus one, so a handle to a removed session can never resolve to
// a later session that reuses the same slot.
type Handle uint64

func makeHandle(gen uint32, idx int) Handle {
	return Handle(uint64(gen)<<32 | uint64(idx+1))
}

func (h Handle) split() (gen uint32, idx int) {
	return uint32(h >> 32), int(uint32(h)) - 1
}

type slot[T any] struct {
	gen  uint32
	live bool
	val  T
}

// Table is an arena of sessions addressed by generation-checked [Handle]
// values. It is safe for concurrent use; it does not serialise access to the
// stored values themselves.
type Table[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []int
	live  int
}

// Insert stores v and returns a fresh handle for it.
func (t *Table[T]) Insert(v T) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idx int
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, slot[T]{})
		idx = len(t.slots) - 1
	}
	s := &t.slots[idx]
	s.gen++
	s.live = true
	s.val = v
	t.live++
	return makeHandle(s.gen, idx)
}

// Get resolves h. It returns [ErrInvalidHandle] for the zero handle, for
// handles never issued by t, and for handles whose session was removed.
func (t *Table[T]) Get(h Handle) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var zero T
	s, ok := t.lookup(h)
	if !ok {
		return zero, ErrInvalidHandle
	}
	return s.val, nil
}

// Remove deletes the session behind h and returns it so the caller can
// release its resources.
func (t *Table[T]) Remove(h Handle) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	s, ok := t.lookup(h)
	if !ok {
		return zero, ErrInvalidHandle
	}
	v := s.val
	s.val = zero
	s.live = false
	_, idx := h.split()
	t.free = append(t.free, idx)
	t.live--
	return v, nil
}

// Len returns the number of live sessions.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// lookup must be called with t.mu held.
func (t *Table[T]) lookup(h Handle) (*slot[T], bool) {
	if h == 0 {
		return nil, false
	}
	gen, idx := h.split()
	if idx < 0 || idx >= len(t.slots) {
		return nil, false
	}
	s := &t.slots[idx]
	if !s.live || s.gen != gen {
		return nil, false
	}
	return s, true
}
