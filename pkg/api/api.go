// Package api exposes the detectors through a flat call interface: sessions
// are addressed by integer handles, constructors return the zero handle on
// failure, and every other call reports an integer status where negative
// values are the codes of [engine.Status].
//
// The Go packages wakeup, epd and pipeline are the primary interface; this
// package exists for hosts that bind earshot through cgo or another
// handle-oriented boundary.
package api

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/earshot/pkg/engine"
	"github.com/MrWong99/earshot/pkg/epd"
	"github.com/MrWong99/earshot/pkg/wakeup"
)

// Handle addresses one session. The zero Handle is returned by failed
// constructors and is never valid.
type Handle = engine.Handle

// frameMs is the analysis frame duration of sessions created here.
const frameMs = 10

var logger atomic.Pointer[slog.Logger]

// SetLogger sets the logger for sessions created afterwards. Nil restores
// slog.Default().
func SetLogger(l *slog.Logger) {
	logger.Store(l)
}

func sessionLogger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// EpdVersion returns the end-point detector's compatibility version.
func EpdVersion() int { return epd.Version }

// WakeupVersion returns the wake-word detector's compatibility version.
func WakeupVersion() int { return wakeup.Version }

// HasDefaultModel reports whether the built-in keyword model is available.
func HasDefaultModel() bool { return wakeup.HasDefaultModel() }

// status maps err to its integer code.
func status(err error) int { return engine.Status(err) }

func ms(d time.Duration) int { return int(d / time.Millisecond) }

func fromMs(v int) time.Duration { return time.Duration(v) * time.Millisecond }
