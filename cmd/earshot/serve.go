package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/ingest"
	"github.com/MrWong99/earshot/internal/observe"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the streaming detection server",
		Long: `serve accepts audio on /ws/{channel} and exposes /healthz, /readyz,
/metrics and the /v1 segment query API. The config file is watched and
threshold or log level changes apply to live sessions; SIGHUP forces a
reload.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().String("listen", "", "override server.listen_addr")
	cmd.Flags().StringSlice("origin", nil, "allowed cross-origin WebSocket host patterns")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
		cfg.Server.ListenAddr = addr
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	logger := newLogger(&level)
	slog.SetDefault(logger)

	slog.Info("earshot starting",
		"version", version,
		"config", path,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	a, err := app.New(ctx, cfg, app.WithLevelVar(&level), app.WithLogger(logger))
	if err != nil {
		return err
	}

	if path != "" {
		w, err := config.NewWatcher(path, func(_, next *config.Config) { a.ApplyConfig(next) })
		if err != nil {
			_ = a.Shutdown(context.Background())
			return err
		}
		defer w.Stop()
		go reloadOnHangup(ctx, w)
	}

	origins, _ := cmd.Flags().GetStringSlice("origin")
	probes := health.New(a.Checkers()...)
	handler := newHandler(a, probes, provider.Handler(), ingest.WithOriginPatterns(origins...))

	printStartupSummary(cmd, cfg)
	return serve(ctx, cfg.Server, handler, probes, a)
}

// newHandler builds the HTTP surface of the server.
func newHandler(a *app.App, probes *health.Handler, metrics http.Handler, opts ...ingest.Option) http.Handler {
	mux := http.NewServeMux()
	probes.Register(mux)
	mux.Handle("GET /metrics", metrics)
	a.Register(mux)

	opener := ingest.OpenerFunc(func(ctx context.Context, channel string) (ingest.Stream, error) {
		ch, err := a.Channels().Open(ctx, channel)
		if errors.Is(err, app.ErrChannelBusy) {
			return nil, fmt.Errorf("%w: %w", ingest.ErrBusy, err)
		}
		if err != nil {
			return nil, err
		}
		return ch, nil
	})
	ingest.New(opener, opts...).Register(mux)

	return observe.Middleware(observe.DefaultMetrics())(mux)
}

// serve runs the HTTP server until ctx is done, then drains: readiness fails,
// the listener closes, open streams are cancelled and finished, and the app
// shuts down.
func serve(ctx context.Context, sc config.ServerConfig, handler http.Handler, probes *health.Handler, a *app.App) error {
	// Streams outlive Server.Shutdown once hijacked; baseCtx ends them.
	baseCtx, cancelStreams := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelStreams()

	srv := &http.Server{
		Addr:              sc.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		if sc.TLS != nil {
			err = srv.ListenAndServeTLS(sc.TLS.CertFile, sc.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})
	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("shutdown signal received, draining")
		probes.SetDraining(true)

		sctx, cancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Warn("http shutdown", "err", err)
		}
		cancelStreams()
		return a.Shutdown(sctx)
	})

	slog.Info("server ready, press Ctrl+C to shut down", "addr", sc.ListenAddr)
	return eg.Wait()
}

// reloadOnHangup re-reads the config on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if !w.Reload() {
				slog.Info("SIGHUP: configuration unchanged")
			}
		}
	}
}

func printStartupSummary(cmd *cobra.Command, cfg *config.Config) {
	out := cmd.ErrOrStderr()
	keyword := "(disabled)"
	if cfg.Wakeup.Enabled {
		keyword = cfg.Wakeup.Keyword
		if keyword == "" {
			keyword = "(default model)"
		}
	}
	fmt.Fprintln(out, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(out, "║         earshot: startup summary      ║")
	fmt.Fprintln(out, "╠═══════════════════════════════════════╣")
	fmt.Fprintf(out, "║  Audio           : %-19s ║\n", fmt.Sprintf("%d Hz %s", cfg.Audio.SampleRate, cfg.Audio.InputType))
	fmt.Fprintf(out, "║  Wake word       : %-19s ║\n", clip(keyword))
	fmt.Fprintf(out, "║  EPD             : %-19s ║\n", clip(cfg.EPD.Model+" / "+cfg.EPD.Policy))
	fmt.Fprintf(out, "║  Storage         : %-19s ║\n", clip(cfg.Storage.Backend))
	fmt.Fprintf(out, "║  Listen addr     : %-19s ║\n", clip(cfg.Server.ListenAddr))
	fmt.Fprintln(out, "╚═══════════════════════════════════════╝")
}

func clip(s string) string {
	if len([]rune(s)) > 19 {
		return string([]rune(s)[:16]) + "…"
	}
	return s
}
