// Package ingest accepts live audio over WebSocket.
//
// A client connects to /ws/{channel} and sends audio as binary messages in
// the configured input type. The server answers with JSON text messages: a
// "ready" message once the session is open, one "segment" message per
// completed speech segment and an "error" message before closing on failure.
// The client may send {"type":"finish"} to end the current episode without
// closing; closing the socket finishes the stream and releases the channel.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/engine"
	"github.com/MrWong99/earshot/pkg/epd"
	"github.com/MrWong99/earshot/pkg/pipeline"
)

// readLimit caps a single client message.
const readLimit = 1 << 20

// writeTimeout bounds a single server message.
const writeTimeout = 5 * time.Second

// Stream is one open channel session.
type Stream interface {
	Write(ctx context.Context, data []byte) ([]pipeline.SpeechSegmentEvent, error)
	Finish(ctx context.Context) ([]pipeline.SpeechSegmentEvent, error)
	Close(ctx context.Context) error
	SessionID() uuid.UUID
	SampleRate() int
}

// Opener opens a stream for a channel name.
type Opener interface {
	Open(ctx context.Context, channel string) (Stream, error)
}

// OpenerFunc adapts a function to [Opener].
type OpenerFunc func(ctx context.Context, channel string) (Stream, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, channel string) (Stream, error) { return f(ctx, channel) }

// ErrBusy should be wrapped by an [Opener] when the channel is taken; the
// handshake is then refused with 409 Conflict.
var ErrBusy = errors.New("ingest: channel busy")

// ── Wire messages ─────────────────────────────────────────────────────────

// Message is a server-to-client message.
type Message struct {
	Type string `json:"type"`

	// ready
	SessionID  string `json:"session_id,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`

	// segment
	Segment *Segment `json:"segment,omitempty"`

	// error
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
}

// Segment is the wire form of a [pipeline.SpeechSegmentEvent]. Audio is not
// included; it is available from the segment store by ID.
type Segment struct {
	ID         string  `json:"id"`
	Channel    string  `json:"channel"`
	Seq        int     `json:"seq"`
	Start      int64   `json:"start"`
	End        int64   `json:"end"`
	StartMs    int64   `json:"start_ms"`
	EndMs      int64   `json:"end_ms"`
	Confidence float64 `json:"confidence"`
	Keyword    string  `json:"keyword,omitempty"`
	State      string  `json:"state"`
	Reason     string  `json:"reason,omitempty"`
	DetectedAt string  `json:"detected_at"`
}

// NewSegment converts ev to its wire form.
func NewSegment(ev pipeline.SpeechSegmentEvent) *Segment {
	s := &Segment{
		ID:         ev.ID.String(),
		Channel:    ev.Channel,
		Seq:        ev.Seq,
		Start:      ev.Start,
		End:        ev.End,
		StartMs:    ev.StartTime().Milliseconds(),
		EndMs:      ev.EndTime().Milliseconds(),
		Confidence: ev.Confidence,
		Keyword:    ev.Keyword,
		State:      ev.State.String(),
		DetectedAt: ev.DetectedAt.UTC().Format(time.RFC3339Nano),
	}
	if ev.State == epd.TimedOut {
		s.Reason = ev.Reason.String()
	}
	return s
}

// control is a client-to-server text message.
type control struct {
	Type string `json:"type"`
}

// ── Handler ───────────────────────────────────────────────────────────────

// Handler upgrades /ws/{channel} requests and pumps audio into streams.
type Handler struct {
	opener  Opener
	metrics *observe.Metrics
	log     *slog.Logger
	accept  *websocket.AcceptOptions
}

// Option configures a [Handler].
type Option func(*Handler)

// WithMetrics counts connections on m. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithOriginPatterns allows cross-origin browser clients from the given host
// patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.accept.OriginPatterns = patterns }
}

// New returns a handler that opens streams through o.
func New(o Opener, opts ...Option) *Handler {
	h := &Handler{opener: o, accept: &websocket.AcceptOptions{}}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	return h
}

// Register adds the ingest route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /ws/{channel}", h)
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	if channel == "" {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	log := observe.LoggerFrom(ctx, h.log).With("channel", channel, "remote", r.RemoteAddr)

	// Open before upgrading so a busy channel is a plain HTTP error.
	stream, err := h.opener.Open(ctx, channel)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, ErrBusy) {
			status = http.StatusConflict
		}
		log.Warn("ingest refused", "err", err)
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		log.Warn("websocket accept failed", "err", err)
		_ = stream.Close(context.WithoutCancel(ctx))
		return
	}
	conn.SetReadLimit(readLimit)

	h.metrics.ActiveConnections.Add(ctx, 1)
	defer h.metrics.ActiveConnections.Add(context.WithoutCancel(ctx), -1)

	err = h.serve(ctx, conn, stream, log)
	closeCtx := context.WithoutCancel(ctx)
	cerr := stream.Close(closeCtx)

	switch {
	case err == nil:
		conn.Close(websocket.StatusNormalClosure, "")
	case isClientGone(err):
		log.Debug("client disconnected", "err", err)
		conn.CloseNow()
	default:
		log.Warn("ingest stream failed", "err", err)
		_ = send(closeCtx, conn, Message{Type: "error", Kind: observe.ErrorKind(err), Error: err.Error()})
		conn.Close(websocket.StatusInternalError, truncate(err.Error(), 120))
	}
	if cerr != nil {
		log.Warn("close stream", "err", cerr)
	}
}

func (h *Handler) serve(ctx context.Context, conn *websocket.Conn, stream Stream, log *slog.Logger) error {
	if err := send(ctx, conn, Message{
		Type:       "ready",
		SessionID:  stream.SessionID().String(),
		SampleRate: stream.SampleRate(),
	}); err != nil {
		return err
	}
	log.Info("ingest connected", "session_id", stream.SessionID().String())

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var events []pipeline.SpeechSegmentEvent
		switch typ {
		case websocket.MessageBinary:
			events, err = stream.Write(ctx, data)
		case websocket.MessageText:
			var c control
			if jerr := json.Unmarshal(data, &c); jerr != nil || c.Type != "finish" {
				err = fmt.Errorf("ingest: unknown control message %q: %w", truncate(string(data), 64), engine.ErrInvalidConfig)
				break
			}
			events, err = stream.Finish(ctx)
		}
		for _, ev := range events {
			if serr := send(ctx, conn, Message{Type: "segment", Segment: NewSegment(ev)}); serr != nil {
				return serr
			}
		}
		if err != nil {
			return err
		}
	}
}

func send(ctx context.Context, conn *websocket.Conn, m Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, m)
}

// isClientGone reports whether err is the peer closing or the request ending.
func isClientGone(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
