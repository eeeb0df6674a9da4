package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/ingest"
	"github.com/MrWong99/earshot/pkg/pipeline"
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan FILE.wav...",
		Short: "Detect speech segments in WAV files",
		Long: `scan runs every file through its own detection session in parallel and
prints each segment as a JSON line. Files are converted to mono at the
configured sample rate.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runScan,
	}
	cmd.Flags().String("save-dir", "", "write each segment as a WAV file into this directory")
	cmd.Flags().Bool("store", false, "also write segments to the configured segment store")
	return cmd
}

func runScan(cmd *cobra.Command, files []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if dir, _ := cmd.Flags().GetString("save-dir"); dir != "" {
		cfg.Storage.SaveDir = dir
	}
	if store, _ := cmd.Flags().GetBool("store"); !store {
		cfg.Storage.Backend = config.BackendNone
	}

	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	logger := newLogger(&level)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.WithLogger(logger), app.WithLevelVar(&level))
	if err != nil {
		return err
	}
	defer func() { _ = a.Shutdown(context.WithoutCancel(ctx)) }()

	var mu sync.Mutex
	enc := json.NewEncoder(cmd.OutOrStdout())
	out := pipeline.SinkFunc(func(_ context.Context, ev pipeline.SpeechSegmentEvent) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(ingest.NewSegment(ev))
	})
	if err := a.Scan(ctx, files, out); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}
