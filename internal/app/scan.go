package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/wav"
	"github.com/MrWong99/earshot/pkg/pipeline"
)

// scanChunkMs is the chunk size files are fed in.
const scanChunkMs = 100

// Scan runs each WAV file through its own session in parallel. Files are
// converted to mono at the configured sample rate. Every segment goes to the
// app's sink and then to out, which may be nil. The channel of a file's
// segments is its base name without extension.
func (a *App) Scan(ctx context.Context, files []string, out pipeline.Sink) error {
	feeds := make([]pipeline.Feed, 0, len(files))
	var sessions []*pipeline.Session
	defer func() {
		for _, s := range sessions {
			_ = s.Close()
		}
	}()

	for _, path := range files {
		f, s, err := a.scanFeed(path)
		if err != nil {
			return err
		}
		sessions = append(sessions, s)
		feeds = append(feeds, f)
	}

	sink := a.Sink()
	if out != nil {
		sink = pipeline.SinkFunc(func(ctx context.Context, ev pipeline.SpeechSegmentEvent) error {
			if err := a.deliver(ctx, ev); err != nil {
				return err
			}
			return out.Put(ctx, ev)
		})
	}
	return pipeline.RunGroup(ctx, sink, feeds...)
}

func (a *App) scanFeed(path string) (pipeline.Feed, *pipeline.Session, error) {
	h, pcm, err := wav.ReadFile(path)
	if err != nil {
		return pipeline.Feed{}, nil, fmt.Errorf("app: scan %q: %w", path, err)
	}
	if h.BitsPerSample != 16 {
		return pipeline.Feed{}, nil, fmt.Errorf("app: scan %q: %d-bit audio: %w", path, h.BitsPerSample, wav.ErrFormat)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	pc, err := a.sessionConfig(name)
	if err != nil {
		return pipeline.Feed{}, nil, fmt.Errorf("app: scan %q: %w", path, err)
	}
	// Files are always PCM16 regardless of the streaming input type.
	pc.InputType, pc.InputCodec = audio.PCM16, nil

	conv, err := audio.NewFormatConverter(h.Format(), pc.SampleRate)
	if err != nil {
		return pipeline.Feed{}, nil, fmt.Errorf("app: scan %q: %w", path, err)
	}
	data := audio.SamplesToBytes(conv.Convert(pcm))

	sess, err := pipeline.NewSession(pc)
	if err != nil {
		return pipeline.Feed{}, nil, fmt.Errorf("app: scan %q: %w", path, err)
	}

	// Chunk size stays within the session's frame buffer.
	chunk := int(audio.SamplesForMs(scanChunkMs, pc.SampleRate)) * 2
	if chunk <= 0 {
		_ = sess.Close()
		return pipeline.Feed{}, nil, errors.New("app: scan: invalid chunk size")
	}
	chunks := make(chan []byte, len(data)/chunk+1)
	for off := 0; off < len(data); off += chunk {
		chunks <- data[off:min(off+chunk, len(data))]
	}
	close(chunks)

	a.log.Debug("scanning file", "path", path, "channel", name, "rate", h.SampleRate, "channels", h.NumChannels)
	return pipeline.Feed{Session: sess, Chunks: chunks}, sess, nil
}
