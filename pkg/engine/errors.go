// Package engine holds the pieces shared by every detector in earshot: the
// error taxonomy and its integer status codes, the fail-fast mutation guard
// that enforces one writer per session, and the generation-checked handle
// table that backs the flat API in package api.
package engine

import "errors"

// Sentinel errors. Detectors wrap these with context using fmt.Errorf and %w;
// callers should test with [errors.Is].
var (
	// ErrInvalidHandle is returned for calls on a destroyed, closed, or
	// never-created session.
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrInvalidConfig is returned for unsupported sample rates, unknown
	// modes, out-of-range thresholds, and unloadable keyword models.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrBufferOverflow is returned when pushed audio exceeds buffer capacity.
	ErrBufferOverflow = errors.New("buffer overflow")

	// ErrConcurrentAccess is returned when a second caller tries to mutate a
	// session that is already being mutated.
	ErrConcurrentAccess = errors.New("concurrent access")

	// ErrIO is returned when saving audio to the filesystem fails.
	ErrIO = errors.New("i/o error")

	// ErrDecode is returned for corrupt compressed input.
	ErrDecode = errors.New("decode error")

	// ErrBoundaryNotAvailable is returned when a speech boundary is queried
	// before the detector has produced one.
	ErrBoundaryNotAvailable = errors.New("boundary not available")
)

// Integer status codes used at the flat API. Zero is success; every failure
// is negative.
const (
	StatusOK                   = 0
	StatusBoundaryNotAvailable = -1
	StatusInvalidHandle        = -2
	StatusInvalidConfig        = -3
	StatusBufferOverflow       = -4
	StatusConcurrentAccess     = -5
	StatusIOError              = -6
	StatusDecodeError          = -7
	StatusUnknown              = -99
)

// Status maps err onto its integer status code. A nil error maps to
// [StatusOK]; errors outside the taxonomy map to [StatusUnknown].
func Status(err error) int {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrBoundaryNotAvailable):
		return StatusBoundaryNotAvailable
	case errors.Is(err, ErrInvalidHandle):
		return StatusInvalidHandle
	case errors.Is(err, ErrInvalidConfig):
		return StatusInvalidConfig
	case errors.Is(err, ErrBufferOverflow):
		return StatusBufferOverflow
	case errors.Is(err, ErrConcurrentAccess):
		return StatusConcurrentAccess
	case errors.Is(err, ErrIO):
		return StatusIOError
	case errors.Is(err, ErrDecode):
		return StatusDecodeError
	default:
		return StatusUnknown
	}
}

// Kind returns a short, stable label for err suitable for metric attributes
// and log fields.
func Kind(err error) string {
	switch Status(err) {
	case StatusOK:
		return "ok"
	case StatusBoundaryNotAvailable:
		return "boundary_not_available"
	case StatusInvalidHandle:
		return "invalid_handle"
	case StatusInvalidConfig:
		return "invalid_config"
	case StatusBufferOverflow:
		return "buffer_overflow"
	case StatusConcurrentAccess:
		return "concurrent_access"
	case StatusIOError:
		return "io"
	case StatusDecodeError:
		return "decode"
	default:
		return "unknown"
	}
}
