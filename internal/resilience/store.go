package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/segment"
)

// ErrShed is returned by [Store.Put] when a record is dropped because the
// breaker is open.
var ErrShed = errors.New("resilience: segment shed")

var _ segment.Store = (*Store)(nil)

// Store guards a [segment.Store] with a [CircuitBreaker]. Writes go through
// the breaker and are shed while it is open; reads bypass it so queries still
// report the backend's own error.
type Store struct {
	inner   segment.Store
	breaker *CircuitBreaker
	metrics *observe.Metrics
	timeout time.Duration
}

// StoreOption configures a [Store].
type StoreOption func(*Store)

// WithMetrics records write latency and shed counts on m.
func WithMetrics(m *observe.Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// WithWriteTimeout bounds each Put. Zero disables the bound.
func WithWriteTimeout(d time.Duration) StoreOption {
	return func(s *Store) { s.timeout = d }
}

// NewStore wraps inner with a breaker configured by cfg.
func NewStore(inner segment.Store, cfg CircuitBreakerConfig, opts ...StoreOption) *Store {
	if cfg.Name == "" {
		cfg.Name = "segment-store"
	}
	s := &Store{inner: inner, breaker: NewCircuitBreaker(cfg)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Breaker returns the breaker guarding writes.
func (s *Store) Breaker() *CircuitBreaker { return s.breaker }

// Put writes r through the breaker. A shed record yields an error wrapping
// both [ErrShed] and [ErrCircuitOpen].
func (s *Store) Put(ctx context.Context, r segment.Record) error {
	start := time.Now()
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		return s.inner.Put(ctx, r)
	})
	if errors.Is(err, ErrCircuitOpen) {
		if s.metrics != nil {
			s.metrics.StoreShed.Add(ctx, 1)
		}
		return fmt.Errorf("%w: %s/%d: %w", ErrShed, r.Channel, r.Seq, err)
	}
	if s.metrics != nil {
		s.metrics.RecordStoreWrite(ctx, time.Since(start), err)
	}
	return err
}

// Get reads from the wrapped store.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (segment.Record, error) {
	return s.inner.Get(ctx, id)
}

// List reads from the wrapped store.
func (s *Store) List(ctx context.Context, q segment.Query) ([]segment.Record, error) {
	return s.inner.List(ctx, q)
}

// Delete removes from the wrapped store.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	return s.inner.Delete(ctx, id)
}

// Check reports an error while the breaker is open. It has the signature of
// a readiness check.
func (s *Store) Check(context.Context) error {
	if st := s.breaker.State(); st == StateOpen {
		return fmt.Errorf("segment store breaker %s", st)
	}
	return nil
}
