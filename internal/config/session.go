package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/codec"
	"github.com/MrWong99/earshot/pkg/epd"
	"github.com/MrWong99/earshot/pkg/pipeline"
	"github.com/MrWong99/earshot/pkg/wakeup"
)

// Catalog builds the keyword catalog: the built-in model, every model in
// wakeup.model_dir and the model named by net_file/search_file.
func (c *Config) Catalog() (*wakeup.Catalog, error) {
	cat, err := wakeup.NewCatalog()
	if err != nil {
		return nil, fmt.Errorf("config: keyword catalog: %w", err)
	}
	if c.Wakeup.ModelDir != "" {
		if err := cat.LoadDir(c.Wakeup.ModelDir); err != nil {
			return nil, fmt.Errorf("config: keyword catalog: %w", err)
		}
	}
	if c.Wakeup.NetFile != "" {
		m, err := wakeup.LoadModel(c.Wakeup.NetFile, c.Wakeup.SearchFile)
		if err != nil {
			return nil, fmt.Errorf("config: keyword catalog: %w", err)
		}
		if err := cat.Add(m); err != nil {
			return nil, fmt.Errorf("config: keyword catalog: %w", err)
		}
	}
	return cat, nil
}

// KeywordModel resolves the configured keyword against cat and applies the
// threshold overrides. It returns nil when wake-word spotting is disabled.
func (c *Config) KeywordModel(cat *wakeup.Catalog) (*wakeup.Model, error) {
	if !c.Wakeup.Enabled {
		return nil, nil
	}
	var (
		m   *wakeup.Model
		err error
	)
	switch {
	case c.Wakeup.NetFile != "":
		m, err = wakeup.LoadModel(c.Wakeup.NetFile, c.Wakeup.SearchFile)
	case c.Wakeup.Keyword != "":
		var score float64
		m, score, err = cat.Resolve(c.Wakeup.Keyword)
		if err == nil && score < 1 {
			slog.Info("keyword resolved to a similar model", "configured", c.Wakeup.Keyword, "model", m.Keyword, "score", score)
		}
	default:
		m, err = wakeup.DefaultModel()
	}
	if err != nil {
		return nil, fmt.Errorf("config: keyword model: %w", err)
	}
	m.Search = c.Search(m.Search)
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("config: keyword model: %w", err)
	}
	return m, nil
}

// Search returns base with the configured threshold overrides applied.
func (c *Config) Search(base wakeup.Search) wakeup.Search {
	th := c.Wakeup.Thresholds
	set := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	set(&base.DetectionThreshold, th.Detection)
	set(&base.RejectionThreshold, th.Rejection)
	set(&base.CandidateThreshold, th.Candidate)
	set(&base.Smoothing, th.Smoothing)
	set(&base.MinSNR, th.MinSNR)
	if c.Wakeup.StartMarginMs != nil {
		base.StartMarginMs = *c.Wakeup.StartMarginMs
	}
	return base
}

// EPDConfig returns the end-point detector configuration. SampleRate, Logger and
// Codec are filled in by the caller.
func (c *Config) EPDConfig() (epd.Config, error) {
	ec := epd.DefaultConfig()
	e := c.EPD

	profile, err := epd.LookupProfile(e.Model)
	if err != nil {
		return ec, fmt.Errorf("config: %w", err)
	}
	ec.Model, ec.SOS, ec.EOS = e.Model, profile.SOS, profile.EOS
	if ec.Mode, err = epd.ParseMode(e.Mode); err != nil {
		return ec, fmt.Errorf("config: %w", err)
	}
	if ec.Policy, err = epd.ParsePolicy(e.Policy); err != nil {
		return ec, fmt.Errorf("config: %w", err)
	}
	if ec.OutputType, err = audio.ParseDataType(c.Audio.OutputType); err != nil {
		return ec, fmt.Errorf("config: %w", err)
	}
	if e.SOS != nil {
		ec.SOS = *e.SOS
	}
	if e.EOS != nil {
		ec.EOS = *e.EOS
	}
	ec.NoiseMasking = e.NoiseMaskingDB
	ec.MaxSpeech, ec.Timeout, ec.Pause = c.limits(ec.MaxSpeech, ec.Timeout, ec.Pause)
	if e.FlushMs != nil {
		ec.Flush = time.Duration(*e.FlushMs) * time.Millisecond
	}
	return ec, nil
}

// Limits returns the configured duration limits over the detector defaults.
func (c *Config) Limits() epd.Limits {
	d := epd.DefaultConfig()
	var l epd.Limits
	l.MaxSpeech, l.Timeout, l.Pause = c.limits(d.MaxSpeech, d.Timeout, d.Pause)
	return l
}

func (c *Config) limits(maxSpeech, timeout, pause time.Duration) (time.Duration, time.Duration, time.Duration) {
	e := c.EPD
	if e.MaxSpeechS != 0 {
		maxSpeech = time.Duration(e.MaxSpeechS) * time.Second
	}
	if e.TimeoutS != nil {
		timeout = time.Duration(*e.TimeoutS) * time.Second
	}
	if e.PauseMs != 0 {
		pause = time.Duration(e.PauseMs) * time.Millisecond
	}
	return maxSpeech, timeout, pause
}

// SessionConfig builds the pipeline configuration for one channel. model is
// the result of [Config.KeywordModel]; nil runs without wake-word spotting.
// Compressed input or output gets its own Opus codec.
func (c *Config) SessionConfig(channel string, model *wakeup.Model, log *slog.Logger) (pipeline.Config, error) {
	pc := pipeline.Config{
		Channel:     channel,
		SampleRate:  c.Audio.SampleRate,
		FrameMs:     c.Audio.FrameMs,
		BufferMs:    c.Audio.BufferMs,
		MarginStart: time.Duration(c.EPD.MarginStartMs) * time.Millisecond,
		MarginEnd:   time.Duration(c.EPD.MarginEndMs) * time.Millisecond,
		Encode:      c.Codec.Enabled,
		Bitrate:     c.Codec.Bitrate,
		Logger:      log,
	}
	var err error
	if pc.InputType, err = audio.ParseDataType(c.Audio.InputType); err != nil {
		return pc, fmt.Errorf("config: %w", err)
	}
	if pc.EPD, err = c.EPDConfig(); err != nil {
		return pc, err
	}
	if pc.InputType == audio.Compressed {
		if pc.InputCodec, err = codec.New(c.Audio.SampleRate); err != nil {
			return pc, fmt.Errorf("config: input codec: %w", err)
		}
	}
	if pc.EPD.OutputType == audio.Compressed {
		if pc.EPD.Codec, err = codec.New(c.Audio.SampleRate); err != nil {
			return pc, fmt.Errorf("config: output codec: %w", err)
		}
	}
	if model != nil {
		mode, err := wakeup.ParseMode(c.Wakeup.Mode)
		if err != nil {
			return pc, fmt.Errorf("config: %w", err)
		}
		pc.Wakeup = &wakeup.Config{Mode: mode, Model: model.Clone()}
	}
	return pc, nil
}

// Tuning returns the hot-reloadable parameters of c for a live session.
// model is the result of [Config.KeywordModel] for c; nil leaves the
// wake-word search alone.
func (c *Config) Tuning(model *wakeup.Model) pipeline.Tuning {
	ec := epd.DefaultConfig()
	if p, err := epd.LookupProfile(c.EPD.Model); err == nil {
		ec.SOS, ec.EOS = p.SOS, p.EOS
	}
	if c.EPD.SOS != nil {
		ec.SOS = *c.EPD.SOS
	}
	if c.EPD.EOS != nil {
		ec.EOS = *c.EPD.EOS
	}
	limits := c.Limits()
	masking := c.EPD.NoiseMaskingDB
	t := pipeline.Tuning{
		SOS:          &ec.SOS,
		EOS:          &ec.EOS,
		NoiseMasking: &masking,
		Limits:       &limits,
	}
	if model != nil {
		s := c.Search(model.Search)
		t.Search = &s
	}
	return t
}
