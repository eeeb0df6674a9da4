package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/ingest"
	"github.com/MrWong99/earshot/pkg/audio/wav"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// speech returns 300 ms of silence, one second of a loud square wave and one
// second of silence at 16 kHz.
func speech() []int16 {
	var out []int16
	for i := range 230 * 160 {
		var amp int16
		if i >= 30*160 && i < 130*160 {
			amp = 1000
		}
		if i%2 == 1 {
			amp = -amp
		}
		out = append(out, amp)
	}
	return out
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	for _, want := range []string{"earshot dev", "wakeup v", "epd    v", "opus   v"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestScanCmd(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "porch.wav")
	if err := wav.WriteFile(in, speech(), 16000); err != nil {
		t.Fatal(err)
	}
	saveDir := filepath.Join(dir, "segments")

	out, err := execute(t, "scan", "--save-dir", saveDir, in)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1:\n%s", len(lines), out)
	}
	var seg ingest.Segment
	if err := json.Unmarshal([]byte(lines[0]), &seg); err != nil {
		t.Fatalf("decode %q: %v", lines[0], err)
	}
	if seg.Channel != "porch" || seg.Seq != 1 || seg.State != "speech-ended" {
		t.Errorf("segment = %+v", seg)
	}

	entries, err := os.ReadDir(saveDir)
	if err != nil {
		t.Fatalf("read save dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("saved %d files, want 1", len(entries))
	}
}

func TestScanCmd_RequiresFiles(t *testing.T) {
	if _, err := execute(t, "scan"); err == nil {
		t.Error("scan without files succeeded")
	}
}

func TestScanCmd_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "earshot.yaml")
	if err := os.WriteFile(path, []byte("audio:\n  sample_rate: 12345\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "--config", path, "scan", "x.wav"); err == nil || !strings.Contains(err.Error(), "audio.sample_rate") {
		t.Errorf("err = %v, want sample rate validation error", err)
	}
}

func TestNewHandler_Routes(t *testing.T) {
	a, err := app.New(context.Background(), config.Default())
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("earshot_frames_processed_total 0\n"))
	})
	h := newHandler(a, health.New(a.Checkers()...), metrics)

	tests := []struct {
		path   string
		status int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/v1/channels", http.StatusOK},
		{"/v1/segments", http.StatusOK},
		{"/ws/kitchen", http.StatusUpgradeRequired},
		{"/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", tt.path, nil))
		if rec.Code != tt.status {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.status)
		}
	}
}
