// Package app wires the earshot subsystems into a running service.
//
// The App struct owns the full lifecycle: New resolves the keyword model and
// opens the segment store, Open starts a detection session per channel, and
// Shutdown finishes live channels and tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/pkg/audio/wav"
	"github.com/MrWong99/earshot/pkg/pipeline"
	"github.com/MrWong99/earshot/pkg/segment"
	"github.com/MrWong99/earshot/pkg/segment/postgres"
	"github.com/MrWong99/earshot/pkg/wakeup"
)

// storeWriteTimeout bounds a single segment write.
const storeWriteTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	mu    sync.RWMutex
	cfg   *config.Config
	model *wakeup.Model

	catalog  *wakeup.Catalog
	registry *config.Registry
	store    segment.Store
	guarded  *resilience.Store
	metrics  *observe.Metrics
	level    *slog.LevelVar
	log      *slog.Logger
	channels *Channels

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a segment store instead of opening one from config.
// The store is still guarded by the circuit breaker.
func WithStore(s segment.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRegistry replaces the default storage backend registry.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets hot reload adjust the level of the process logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithLogger sets the base logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// DefaultRegistry returns a registry with the memory, postgres and none
// storage backends.
func DefaultRegistry() *config.Registry {
	r := config.NewRegistry()
	r.RegisterStore(config.BackendMemory, func(context.Context, config.StorageConfig) (segment.Store, func(), error) {
		return segment.NewMemory(), nil, nil
	})
	r.RegisterStore(config.BackendPostgres, func(ctx context.Context, sc config.StorageConfig) (segment.Store, func(), error) {
		s, err := postgres.NewStore(ctx, sc.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	})
	r.RegisterStore(config.BackendNone, func(context.Context, config.StorageConfig) (segment.Store, func(), error) {
		return nil, nil, nil
	})
	return r
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. It builds the keyword catalog, resolves the
// keyword model and opens the segment store. All initialisation is
// synchronous.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.registry == nil {
		a.registry = DefaultRegistry()
	}

	// ── 1. Keyword model ────────────────────────────────────────────────
	var err error
	if a.catalog, err = cfg.Catalog(); err != nil {
		return nil, fmt.Errorf("app: init keywords: %w", err)
	}
	if a.model, err = cfg.KeywordModel(a.catalog); err != nil {
		return nil, fmt.Errorf("app: init keywords: %w", err)
	}
	if a.model != nil {
		a.log.Info("keyword model loaded", "keyword", a.model.Keyword, "mode", cfg.Wakeup.Mode)
	}

	// ── 2. Segment store ────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. Save directory ───────────────────────────────────────────────
	if dir := cfg.Storage.SaveDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("app: create save dir: %w", err)
		}
	}

	a.channels = newChannels(a)
	return a, nil
}

// initStore opens the configured store or wraps the injected one.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		s, closeFn, err := a.registry.CreateStore(ctx, a.cfg.Storage)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { closeFn(); return nil })
		if s == nil {
			a.log.Info("segment storage disabled")
			return nil
		}
		a.store = s
		a.log.Info("segment store opened", "backend", a.cfg.Storage.Backend)
	}

	b := a.cfg.Storage.Breaker
	a.guarded = resilience.NewStore(a.store, resilience.CircuitBreakerConfig{
		Name:         "segment-store",
		MaxFailures:  b.MaxFailures,
		ResetTimeout: b.ResetTimeout,
		HalfOpenMax:  b.HalfOpenMax,
		Logger:       a.log,
	}, resilience.WithMetrics(a.metrics), resilience.WithWriteTimeout(storeWriteTimeout))
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Config returns the config currently in effect.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Store returns the breaker-guarded segment store, or nil when storage is
// disabled.
func (a *App) Store() segment.Store {
	if a.guarded == nil {
		return nil
	}
	return a.guarded
}

// Channels returns the channel manager.
func (a *App) Channels() *Channels { return a.channels }

// Checkers returns the readiness checks for this app: the store breaker and,
// when the backend supports it, a database ping.
func (a *App) Checkers() []health.Checker {
	var cs []health.Checker
	if a.guarded != nil {
		cs = append(cs, health.Checker{Name: "store_breaker", Check: a.guarded.Check})
	}
	if p, ok := a.store.(health.Pinger); ok {
		cs = append(cs, health.Ping("store", p))
	}
	return cs
}

// ─── Segment delivery ────────────────────────────────────────────────────────

// Sink returns the sink every session delivers to. It records metrics, saves
// a WAV when storage.save_dir is set and writes the segment to the store.
// Storage failures are logged and counted; they never fail the stream.
func (a *App) Sink() pipeline.Sink {
	return pipeline.SinkFunc(a.deliver)
}

func (a *App) deliver(ctx context.Context, ev pipeline.SpeechSegmentEvent) error {
	log := observe.LoggerFrom(ctx, a.log).With("channel", ev.Channel, "seq", ev.Seq)

	a.metrics.RecordSegment(ctx, ev.Channel, ev.State.String(), ev.Reason.String(), ev.Duration())
	if ev.WakeVerdict != wakeup.Detecting {
		a.metrics.RecordWakeVerdict(ctx, ev.Channel, ev.WakeVerdict.String())
	}
	log.Info("speech segment",
		"start", ev.StartTime(),
		"end", ev.EndTime(),
		"state", ev.State.String(),
		"keyword", ev.Keyword,
		"confidence", ev.Confidence,
	)

	if dir := a.Config().Storage.SaveDir; dir != "" {
		path := filepath.Join(dir, SegmentFileName(ev))
		if err := wav.WriteFile(path, ev.Samples, ev.SampleRate); err != nil {
			log.Warn("save segment failed", "path", path, "err", err)
			a.metrics.RecordError(ctx, "save", err)
		}
	}

	if a.guarded == nil {
		return nil
	}
	r, err := segment.FromEvent(ev)
	if err != nil {
		a.metrics.RecordError(ctx, "store", err)
		log.Warn("segment not stored", "err", err)
		return nil
	}
	if err := a.guarded.Put(ctx, r); err != nil {
		a.metrics.RecordError(ctx, "store", err)
		if errors.Is(err, resilience.ErrShed) {
			log.Debug("segment shed", "err", err)
		} else {
			log.Warn("segment not stored", "err", err)
		}
	}
	return nil
}

// SegmentFileName names the WAV file of ev: channel, session prefix and
// sequence number.
func SegmentFileName(ev pipeline.SpeechSegmentEvent) string {
	sid := ev.SessionID.String()
	return fmt.Sprintf("%s-%s-%04d.wav", sanitizeName(ev.Channel), sid[:8], ev.Seq)
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig switches to next. The log level and detector thresholds apply
// to live sessions at once; every other change is logged and takes effect
// for sessions opened after a restart.
func (a *App) ApplyConfig(next *config.Config) {
	a.mu.Lock()
	prev := a.cfg
	d := config.Diff(prev, next)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart", "sections", d.RestartRequired)
	}

	// Keep the previous config for everything that needs a restart.
	merged := *prev
	merged.Server.LogLevel = next.Server.LogLevel
	merged.Wakeup.Thresholds = next.Wakeup.Thresholds
	merged.Wakeup.StartMarginMs = next.Wakeup.StartMarginMs
	merged.EPD.SOS, merged.EPD.EOS = next.EPD.SOS, next.EPD.EOS
	merged.EPD.MaxSpeechS, merged.EPD.TimeoutS, merged.EPD.PauseMs = next.EPD.MaxSpeechS, next.EPD.TimeoutS, next.EPD.PauseMs
	merged.EPD.NoiseMaskingDB = next.EPD.NoiseMaskingDB
	a.cfg = &merged

	if !d.Tunable() {
		a.mu.Unlock()
		return
	}
	if a.model != nil {
		m, err := merged.KeywordModel(a.catalog)
		if err != nil {
			a.log.Warn("keyword thresholds not applied", "err", err)
		} else {
			a.model = m
		}
	}
	t := merged.Tuning(a.model)
	a.mu.Unlock()

	n, err := a.channels.tune(t)
	if err != nil {
		a.log.Warn("retune failed", "err", err)
	}
	a.log.Info("detector parameters updated", "sessions", n)
}

// sessionConfig builds the pipeline config for channel from the config in
// effect.
func (a *App) sessionConfig(channel string) (pipeline.Config, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg.SessionConfig(channel, a.model, a.log)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown finishes every live channel, delivering its last segment, then
// runs the closers in order. It respects the context deadline: if ctx
// expires first, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "channels", a.channels.Len(), "closers", len(a.closers))

		a.channels.closeAll(ctx)

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
