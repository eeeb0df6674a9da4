// Package mock provides a recording test double for [segment.Store].
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.PutErr = errors.New("disk full")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("Put"); got != 1 {
//	    t.Errorf("expected 1 Put call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/pkg/segment"
)

var _ segment.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [segment.Store]. Records passed to
// Put are kept so Get and List can return them unless a *Result field is
// set. It is safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	calls []Call
	put   []segment.Record

	// PutErr is returned by [Store.Put] when non-nil; the record is not kept.
	PutErr error

	// GetErr is returned by [Store.Get] when non-nil.
	GetErr error

	// ListResult is returned by [Store.List] when non-nil.
	ListResult []segment.Record

	// ListErr is returned by [Store.List] when non-nil.
	ListErr error

	// DeleteErr is returned by [Store.Delete] when non-nil.
	DeleteErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Records returns the records accepted by Put, in call order.
func (m *Store) Records() []segment.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]segment.Record, len(m.put))
	copy(out, m.put)
	return out
}

// Reset clears all recorded calls and kept records.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.put = nil
}

func (m *Store) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// Put implements [segment.Store].
func (m *Store) Put(_ context.Context, r segment.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Put", r)
	if m.PutErr != nil {
		return m.PutErr
	}
	m.put = append(m.put, r)
	return nil
}

// Get implements [segment.Store].
func (m *Store) Get(_ context.Context, id uuid.UUID) (segment.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Get", id)
	if m.GetErr != nil {
		return segment.Record{}, m.GetErr
	}
	for _, r := range m.put {
		if r.ID == id {
			return r, nil
		}
	}
	return segment.Record{}, segment.ErrNotFound
}

// List implements [segment.Store].
func (m *Store) List(_ context.Context, q segment.Query) ([]segment.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("List", q)
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	if m.ListResult != nil {
		return m.ListResult, nil
	}
	out := []segment.Record{}
	for _, r := range m.put {
		if q.Match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Delete implements [segment.Store].
func (m *Store) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Delete", id)
	return m.DeleteErr
}
