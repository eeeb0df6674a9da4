package engine

import "sync/atomic"

const (
	guardIdle    int32 = 0
	guardWriting int32 = -1
	guardClosed  int32 = -2
)

// Guard enforces the session access contract without ever blocking: at most
// one writer at a time, any number of concurrent readers while no writer is
// active, and no access at all after Close. A conflicting acquisition fails
// immediately with [ErrConcurrentAccess]; any acquisition after Close fails
// with [ErrInvalidHandle].
//
// The zero value is an open, idle guard.
type Guard struct {
	// state is guardIdle, guardWriting, guardClosed, or a positive reader count.
	state atomic.Int32
}

// BeginWrite acquires exclusive access. Every successful call must be paired
// with [Guard.EndWrite].
func (g *Guard) BeginWrite() error {
	if g.state.CompareAndSwap(guardIdle, guardWriting) {
		return nil
	}
	if g.state.Load() == guardClosed {
		return ErrInvalidHandle
	}
	return ErrConcurrentAccess
}

// EndWrite releases exclusive access taken by [Guard.BeginWrite].
func (g *Guard) EndWrite() {
	g.state.CompareAndSwap(guardWriting, guardIdle)
}

// BeginRead acquires shared access. Every successful call must be paired with
// [Guard.EndRead].
func (g *Guard) BeginRead() error {
	for {
		s := g.state.Load()
		switch {
		case s == guardClosed:
			return ErrInvalidHandle
		case s == guardWriting:
			return ErrConcurrentAccess
		}
		if g.state.CompareAndSwap(s, s+1) {
			return nil
		}
	}
}

// EndRead releases shared access taken by [Guard.BeginRead].
func (g *Guard) EndRead() {
	g.state.Add(-1)
}

// Close moves the guard to its terminal state. It fails with
// [ErrConcurrentAccess] while any reader or writer holds the guard, and with
// [ErrInvalidHandle] if the guard is already closed.
func (g *Guard) Close() error {
	if g.state.CompareAndSwap(guardIdle, guardClosed) {
		return nil
	}
	if g.state.Load() == guardClosed {
		return ErrInvalidHandle
	}
	return ErrConcurrentAccess
}

// Closed reports whether [Guard.Close] has succeeded.
func (g *Guard) Closed() bool {
	return g.state.Load() == guardClosed
}
