package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Feed pairs a session with the raw audio chunks that drive it. Closing
// Chunks finishes the session's stream.
type Feed struct {
	Session *Session
	Chunks  <-chan []byte
}

// RunGroup drives every feed on its own goroutine and hands each event to
// sink. It returns when all feeds are drained, or with the first error, which
// cancels the other feeds. Sessions are not closed.
func RunGroup(ctx context.Context, sink Sink, feeds ...Feed) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for _, f := range feeds {
		eg.Go(func() error {
			if err := drive(egCtx, sink, f); err != nil {
				return fmt.Errorf("pipeline: channel %q: %w", f.Session.Channel(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}

func drive(ctx context.Context, sink Sink, f Feed) error {
	for {
		var (
			chunk []byte
			ok    bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok = <-f.Chunks:
		}

		var (
			events []SpeechSegmentEvent
			err    error
		)
		if ok {
			events, err = f.Session.Write(chunk)
		} else {
			events, err = f.Session.Finish()
		}
		for _, ev := range events {
			if perr := sink.Put(ctx, ev); perr != nil {
				return fmt.Errorf("deliver segment %d: %w", ev.Seq, perr)
			}
		}
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}
