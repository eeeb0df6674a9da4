package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/pkg/pipeline"
)

// ErrChannelBusy is returned by [Channels.Open] when the channel already has
// a live session.
var ErrChannelBusy = errors.New("app: channel already streaming")

// ErrDraining is returned by [Channels.Open] once shutdown has begun.
var ErrDraining = errors.New("app: shutting down")

// ChannelInfo holds metadata about a live channel.
type ChannelInfo struct {
	// Channel is the channel name.
	Channel string

	// SessionID identifies the detection session.
	SessionID uuid.UUID

	// StartedAt is when the session was opened.
	StartedAt time.Time

	// Frames is the number of analysis frames processed.
	Frames int64
}

// Channels manages one detection session per channel name. All exported
// methods are safe for concurrent use.
type Channels struct {
	app *App

	mu       sync.Mutex
	live     map[string]*Channel
	draining bool
}

func newChannels(a *App) *Channels {
	return &Channels{app: a, live: make(map[string]*Channel)}
}

// Open starts a session for name. Returns [ErrChannelBusy] if name already
// streams.
func (cs *Channels) Open(ctx context.Context, name string) (*Channel, error) {
	if name == "" {
		return nil, errors.New("app: channel name is required")
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.draining {
		return nil, ErrDraining
	}
	if _, ok := cs.live[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrChannelBusy, name)
	}

	pc, err := cs.app.sessionConfig(name)
	if err != nil {
		return nil, fmt.Errorf("app: open channel %q: %w", name, err)
	}
	sess, err := pipeline.NewSession(pc)
	if err != nil {
		return nil, fmt.Errorf("app: open channel %q: %w", name, err)
	}

	ch := &Channel{
		owner:   cs,
		sess:    sess,
		sink:    cs.app.Sink(),
		started: time.Now().UTC(),
	}
	cs.live[name] = ch
	cs.app.metrics.ActiveSessions.Add(ctx, 1)
	cs.app.log.Info("channel opened", "channel", name, "session_id", sess.ID().String())
	return ch, nil
}

// Get returns the live channel named name.
func (cs *Channels) Get(name string) (*Channel, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	ch, ok := cs.live[name]
	return ch, ok
}

// Len returns the number of live channels.
func (cs *Channels) Len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.live)
}

// Active returns the live channels sorted by name.
func (cs *Channels) Active() []ChannelInfo {
	cs.mu.Lock()
	chans := make([]*Channel, 0, len(cs.live))
	for _, ch := range cs.live {
		chans = append(chans, ch)
	}
	cs.mu.Unlock()

	out := make([]ChannelInfo, 0, len(chans))
	for _, ch := range chans {
		out = append(out, ch.Info())
	}
	slices.SortFunc(out, func(a, b ChannelInfo) int { return strings.Compare(a.Channel, b.Channel) })
	return out
}

// tune applies t to every live session and returns how many were updated.
func (cs *Channels) tune(t pipeline.Tuning) (int, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var errs []error
	n := 0
	for name, ch := range cs.live {
		if err := ch.sess.Tune(t); err != nil {
			errs = append(errs, fmt.Errorf("channel %q: %w", name, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// closeAll stops accepting channels and closes every live one.
func (cs *Channels) closeAll(ctx context.Context) {
	cs.mu.Lock()
	cs.draining = true
	chans := make([]*Channel, 0, len(cs.live))
	for _, ch := range cs.live {
		chans = append(chans, ch)
	}
	cs.mu.Unlock()

	for _, ch := range chans {
		if err := ch.Close(ctx); err != nil {
			cs.app.log.Warn("close channel", "channel", ch.Name(), "err", err)
		}
	}
}

func (cs *Channels) remove(ctx context.Context, ch *Channel) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.live[ch.Name()] == ch {
		delete(cs.live, ch.Name())
		cs.app.metrics.ActiveSessions.Add(ctx, -1)
	}
}

// Channel is one live detection session.
type Channel struct {
	owner   *Channels
	sess    *pipeline.Session
	sink    pipeline.Sink
	started time.Time

	closeOnce sync.Once
	closeErr  error
}

// Name returns the channel name.
func (ch *Channel) Name() string { return ch.sess.Channel() }

// SessionID returns the session's ID.
func (ch *Channel) SessionID() uuid.UUID { return ch.sess.ID() }

// SampleRate returns the session's sample rate.
func (ch *Channel) SampleRate() int { return ch.sess.SampleRate() }

// Info returns a snapshot of the channel's metadata.
func (ch *Channel) Info() ChannelInfo {
	return ChannelInfo{
		Channel:   ch.Name(),
		SessionID: ch.sess.ID(),
		StartedAt: ch.started,
		Frames:    ch.sess.Frames(),
	}
}

// Write runs data through the session and delivers the resulting segments.
// The segments are also returned so transports can echo them to the client.
func (ch *Channel) Write(ctx context.Context, data []byte) ([]pipeline.SpeechSegmentEvent, error) {
	return ch.run(ctx, "write", func() ([]pipeline.SpeechSegmentEvent, error) {
		return ch.sess.Write(data)
	})
}

// Finish ends the stream, closing an active episode.
func (ch *Channel) Finish(ctx context.Context) ([]pipeline.SpeechSegmentEvent, error) {
	return ch.run(ctx, "finish", ch.sess.Finish)
}

func (ch *Channel) run(ctx context.Context, op string, fn func() ([]pipeline.SpeechSegmentEvent, error)) ([]pipeline.SpeechSegmentEvent, error) {
	m := ch.owner.app.metrics
	before := ch.sess.Frames()
	start := time.Now()
	events, err := fn()
	m.RecordProcess(ctx, ch.Name(), time.Since(start))
	m.RecordFrames(ctx, ch.Name(), ch.sess.Frames()-before)

	for _, ev := range events {
		if perr := ch.sink.Put(ctx, ev); perr != nil {
			err = errors.Join(err, fmt.Errorf("app: deliver segment %d: %w", ev.Seq, perr))
		}
	}
	if err != nil {
		m.RecordError(ctx, op, err)
	}
	return events, err
}

// Close finishes the stream, delivers its last segment and releases the
// session. Later calls return the first result.
func (ch *Channel) Close(ctx context.Context) error {
	ch.closeOnce.Do(func() {
		_, ferr := ch.Finish(ctx)
		cerr := ch.sess.Close()
		ch.owner.remove(ctx, ch)
		ch.closeErr = errors.Join(ferr, cerr)
		ch.owner.app.log.Info("channel closed", "channel", ch.Name(), "frames", ch.sess.Frames())
	})
	return ch.closeErr
}

// sanitizeName makes a channel name safe for use in a file name.
func sanitizeName(name string) string {
	name = strings.ToLower(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}
