package app_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/wav"
	"github.com/MrWong99/earshot/pkg/pipeline"
	"github.com/MrWong99/earshot/pkg/segment"
	"github.com/MrWong99/earshot/pkg/segment/mock"
)

const frameLen = 160

// tone returns frames of a square wave at amplitude amp.
func tone(amp int16, frames int) []int16 {
	out := make([]int16, 0, frames*frameLen)
	for range frames {
		for i := range frameLen {
			if i%2 == 0 {
				out = append(out, amp)
			} else {
				out = append(out, -amp)
			}
		}
	}
	return out
}

// utterance is 300 ms of silence, one second of speech and one second of
// silence: exactly one segment under the default config.
func utterance() []int16 {
	var out []int16
	out = append(out, tone(0, 30)...)
	out = append(out, tone(1000, 100)...)
	return append(out, tone(0, 100)...)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

// writeChunked writes samples in 100 ms chunks and collects the segments.
func writeChunked(t *testing.T, ch *app.Channel, samples []int16) []pipeline.SpeechSegmentEvent {
	t.Helper()
	data := audio.SamplesToBytes(samples)
	var events []pipeline.SpeechSegmentEvent
	for off := 0; off < len(data); off += 3200 {
		evs, err := ch.Write(context.Background(), data[off:min(off+3200, len(data))])
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		events = append(events, evs...)
	}
	return events
}

func TestNew_Backends(t *testing.T) {
	t.Parallel()

	tests := []struct {
		backend   string
		wantStore bool
		checks    int
	}{
		{config.BackendMemory, true, 1},
		{config.BackendNone, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			cfg.Storage.Backend = tt.backend
			a := newApp(t, cfg)
			if got := a.Store() != nil; got != tt.wantStore {
				t.Errorf("store present = %v, want %v", got, tt.wantStore)
			}
			if got := len(a.Checkers()); got != tt.checks {
				t.Errorf("checkers = %d, want %d", got, tt.checks)
			}
		})
	}
}

func TestNew_UnregisteredBackend(t *testing.T) {
	t.Parallel()
	_, err := app.New(context.Background(), config.Default(),
		app.WithMetrics(testMetrics(t)),
		app.WithRegistry(config.NewRegistry()),
	)
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Fatalf("err = %v, want ErrBackendNotRegistered", err)
	}
}

func TestChannels_OpenIsExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newApp(t, nil)

	ch, err := a.Channels().Open(ctx, "kitchen")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := a.Channels().Open(ctx, "kitchen"); !errors.Is(err, app.ErrChannelBusy) {
		t.Errorf("second Open err = %v, want ErrChannelBusy", err)
	}
	if _, err := a.Channels().Open(ctx, ""); err == nil {
		t.Error("Open with empty name succeeded")
	}
	if _, err := a.Channels().Open(ctx, "hall"); err != nil {
		t.Fatalf("Open hall: %v", err)
	}

	active := a.Channels().Active()
	if len(active) != 2 || active[0].Channel != "hall" || active[1].Channel != "kitchen" {
		t.Fatalf("Active = %+v, want hall and kitchen", active)
	}

	if err := ch.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := a.Channels().Get("kitchen"); ok {
		t.Error("closed channel still registered")
	}
	if _, err := a.Channels().Open(ctx, "kitchen"); err != nil {
		t.Errorf("reopen after Close: %v", err)
	}
}

func TestChannel_WriteDeliversSegment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.SaveDir = dir
	store := segment.NewMemory()
	a := newApp(t, cfg, app.WithStore(store))

	ch, err := a.Channels().Open(ctx, "Living Room")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	events := writeChunked(t, ch, utterance())
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}

	recs, err := a.Store().List(ctx, segment.Query{Channel: "Living Room"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != events[0].ID {
		t.Fatalf("stored %d records, want the emitted segment", len(recs))
	}

	path := filepath.Join(dir, app.SegmentFileName(events[0]))
	h, pcm, err := wav.ReadFile(path)
	if err != nil {
		t.Fatalf("saved segment: %v", err)
	}
	if h.SampleRate != 16000 || len(pcm) != 2*len(events[0].Samples) {
		t.Errorf("saved WAV = %d Hz %d bytes, want 16000 Hz %d bytes", h.SampleRate, len(pcm), 2*len(events[0].Samples))
	}
	if got := ch.Info().Frames; got != 230 {
		t.Errorf("frames = %d, want 230", got)
	}
}

func TestChannel_StoreFailureKeepsStreaming(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &mock.Store{PutErr: errors.New("connection refused")}
	a := newApp(t, nil, app.WithStore(store))

	ch, err := a.Channels().Open(ctx, "kitchen")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	samples := append(utterance(), utterance()...)
	if events := writeChunked(t, ch, samples); len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if got := store.CallCount("Put"); got != 2 {
		t.Errorf("Put calls = %d, want 2", got)
	}
}

func TestSegmentFileName(t *testing.T) {
	t.Parallel()
	ev := pipeline.SpeechSegmentEvent{Channel: "Hall/Mic 2", Seq: 7}
	want := "hall-mic-2-00000000-0007.wav"
	if got := app.SegmentFileName(ev); got != want {
		t.Errorf("SegmentFileName = %q, want %q", got, want)
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var level slog.LevelVar
	a := newApp(t, nil, app.WithLevelVar(&level))
	if _, err := a.Channels().Open(ctx, "kitchen"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	next := config.Default()
	next.Server.LogLevel = config.LogDebug
	sos := 12.0
	next.EPD.SOS = &sos
	next.Audio.SampleRate = 8000
	a.ApplyConfig(next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	cur := a.Config()
	if cur.EPD.SOS == nil || *cur.EPD.SOS != 12 {
		t.Errorf("epd.sos not applied")
	}
	if cur.Audio.SampleRate != 16000 {
		t.Errorf("sample rate = %d, want 16000 until restart", cur.Audio.SampleRate)
	}
}

func TestShutdown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := segment.NewMemory()
	a, err := app.New(ctx, config.Default(), app.WithMetrics(testMetrics(t)), app.WithStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := a.Channels().Open(ctx, "kitchen")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Speech still active when the server stops.
	var samples []int16
	samples = append(samples, tone(0, 30)...)
	samples = append(samples, tone(1000, 50)...)
	samples = append(samples, tone(1000, 1)[:57]...)
	if events := writeChunked(t, ch, samples); len(events) != 0 {
		t.Fatalf("got %d events before shutdown", len(events))
	}

	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := a.Channels().Len(); got != 0 {
		t.Errorf("live channels = %d, want 0", got)
	}
	if store.Len() != 1 {
		t.Errorf("stored = %d, want the flushed segment", store.Len())
	}
	if _, err := a.Channels().Open(ctx, "hall"); !errors.Is(err, app.ErrDraining) {
		t.Errorf("Open after Shutdown err = %v, want ErrDraining", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestScan(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	var files []string
	for _, name := range []string{"front", "back"} {
		path := filepath.Join(dir, name+".wav")
		if err := wav.WriteFile(path, utterance(), 16000); err != nil {
			t.Fatal(err)
		}
		files = append(files, path)
	}
	a := newApp(t, nil)

	var (
		mu  sync.Mutex
		got = map[string]int{}
	)
	out := pipeline.SinkFunc(func(_ context.Context, ev pipeline.SpeechSegmentEvent) error {
		mu.Lock()
		defer mu.Unlock()
		got[ev.Channel]++
		return nil
	})
	if err := a.Scan(context.Background(), files, out); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	for _, name := range []string{"front", "back"} {
		if got[name] != 1 {
			t.Errorf("%s: %d segments, want 1", name, got[name])
		}
	}
}

func TestScan_MissingFile(t *testing.T) {
	t.Parallel()
	a := newApp(t, nil)
	err := a.Scan(context.Background(), []string{filepath.Join(t.TempDir(), "nope.wav")}, nil)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want not-exist", err)
	}
}
