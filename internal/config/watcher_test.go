package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/config"
)

const (
	baseYAML   = "server:\n  log_level: info\nepd:\n  sos: 9\n"
	tunedYAML  = "server:\n  log_level: debug\nepd:\n  sos: 14\n"
	brokenYAML = "server:\n  log_level: bananas\n"
)

// configFile writes content to a fresh earshot.yaml and returns its path.
func configFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "earshot.yaml")
	rewrite(t, p, content)
	return p
}

// rewrite replaces the file and pushes its mtime into the future so coarse
// filesystem timestamps cannot hide the change from a poll.
func rewrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

type change struct{ old, new *config.Config }

func TestWatcher_Polls(t *testing.T) {
	t.Parallel()
	path := configFile(t, baseYAML)

	changes := make(chan change, 4)
	w, err := config.NewWatcher(path, func(o, n *config.Config) { changes <- change{o, n} },
		config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Fatalf("got initial log level %q, want %q", got, config.LogInfo)
	}

	rewrite(t, path, tunedYAML)
	var c change
	select {
	case c = <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("no change callback within 2s")
	}
	if c.old.Server.LogLevel != config.LogInfo || c.new.Server.LogLevel != config.LogDebug {
		t.Errorf("got log levels %q -> %q, want info -> debug", c.old.Server.LogLevel, c.new.Server.LogLevel)
	}
	if d := config.Diff(c.old, c.new); !d.LogLevelChanged || !d.EPDChanged {
		t.Errorf("got diff %+v, want log level and epd changes", d)
	}
	if w.Current() != c.new {
		t.Error("Current does not return the config passed to the callback")
	}
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
		applied bool
		wantSOS float64
	}{
		{name: "unchanged", content: baseYAML, wantSOS: 9},
		{name: "changed", content: tunedYAML, applied: true, wantSOS: 14},
		{name: "invalid", content: brokenYAML, wantSOS: 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := configFile(t, baseYAML)
			calls := 0
			w, err := config.NewWatcher(path, func(_, _ *config.Config) { calls++ }, config.WithInterval(time.Hour))
			if err != nil {
				t.Fatalf("NewWatcher: %v", err)
			}
			defer w.Stop()

			rewrite(t, path, tt.content)
			if got := w.Reload(); got != tt.applied {
				t.Errorf("got Reload() = %v, want %v", got, tt.applied)
			}
			want := 0
			if tt.applied {
				want = 1
			}
			if calls != want {
				t.Errorf("got %d callbacks, want %d", calls, want)
			}
			if sos := w.Current().EPD.SOS; sos == nil || *sos != tt.wantSOS {
				t.Errorf("got epd.sos %v, want %v", sos, tt.wantSOS)
			}
		})
	}
}

func TestWatcher_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("got nil error for a missing file")
	}
}

func TestWatcher_StopTwice(t *testing.T) {
	t.Parallel()
	w, err := config.NewWatcher(configFile(t, baseYAML), nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}
