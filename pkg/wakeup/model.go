package wakeup

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/earshot/pkg/engine"
)

//go:embed models/default.net.yaml models/default.search.yaml
var defaultModelFS embed.FS

// Model is a keyword model: the acoustic template from the "net" file plus
// the decision parameters from the "search" file.
type Model struct {
	// Keyword is the phrase the model spots.
	Keyword string `yaml:"keyword"`

	// FrameMs is the analysis frame duration the template was built for.
	FrameMs int `yaml:"frame_ms"`

	// Template is the keyword's per-frame energy contour in dB. Only its
	// shape matters; scoring is invariant to level.
	Template []float64 `yaml:"template"`

	// Search holds the decision thresholds and timing.
	Search Search `yaml:"-"`
}

// Search holds a model's decision parameters. Scores are in [0, 1].
type Search struct {
	// DetectionThreshold is the smoothed score at which a keyword is detected.
	DetectionThreshold float64 `yaml:"detection_threshold"`

	// RejectionThreshold is the smoothed score below which an open candidate
	// is rejected.
	RejectionThreshold float64 `yaml:"rejection_threshold"`

	// CandidateThreshold is the smoothed score at which a candidate opens.
	CandidateThreshold float64 `yaml:"candidate_threshold"`

	// Smoothing is the exponential smoothing factor in (0, 1]; 1 disables
	// smoothing.
	Smoothing float64 `yaml:"smoothing"`

	// TrailingMs is the audio consumed after detection before the verdict
	// becomes DetectedReady. Ignored in OnlineConnected mode.
	TrailingMs int `yaml:"trailing_ms"`

	// StartMarginMs is prepended to the keyword when extracting its audio.
	StartMarginMs int `yaml:"start_margin_ms"`

	// MinSNR is the minimum level, in dB above the noise floor, a window must
	// reach to be scored at all.
	MinSNR float64 `yaml:"min_snr_db"`

	// VerifyWindowMs bounds how long a candidate may stay open in Verifier
	// mode before it is rejected.
	VerifyWindowMs int `yaml:"verify_window_ms"`
}

// Validate checks that the thresholds are ordered and within range.
func (s Search) Validate() error {
	var errs []error
	for _, th := range []struct {
		name string
		v    float64
	}{
		{"detection_threshold", s.DetectionThreshold},
		{"rejection_threshold", s.RejectionThreshold},
		{"candidate_threshold", s.CandidateThreshold},
	} {
		if th.v < 0 || th.v > 1 {
			errs = append(errs, fmt.Errorf("%s %.2f is out of range [0, 1]", th.name, th.v))
		}
	}
	if s.RejectionThreshold > s.CandidateThreshold || s.CandidateThreshold > s.DetectionThreshold {
		errs = append(errs, fmt.Errorf("thresholds must satisfy rejection (%.2f) <= candidate (%.2f) <= detection (%.2f)",
			s.RejectionThreshold, s.CandidateThreshold, s.DetectionThreshold))
	}
	if s.Smoothing <= 0 || s.Smoothing > 1 {
		errs = append(errs, fmt.Errorf("smoothing %.2f is out of range (0, 1]", s.Smoothing))
	}
	if s.TrailingMs < 0 || s.StartMarginMs < 0 || s.VerifyWindowMs < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if s.MinSNR < 0 {
		errs = append(errs, fmt.Errorf("min_snr_db %.1f must not be negative", s.MinSNR))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("wakeup: search parameters: %w: %w", engine.ErrInvalidConfig, err)
	}
	return nil
}

func (s Search) trailing() time.Duration    { return time.Duration(s.TrailingMs) * time.Millisecond }
func (s Search) startMargin() time.Duration { return time.Duration(s.StartMarginMs) * time.Millisecond }
func (s Search) verifyWindow() time.Duration {
	return time.Duration(s.VerifyWindowMs) * time.Millisecond
}

// ParseModel decodes a model from the contents of its net and search files.
// Unknown fields are rejected.
func ParseModel(net, search []byte) (*Model, error) {
	m := &Model{}
	if err := decodeStrict(net, m); err != nil {
		return nil, fmt.Errorf("wakeup: decode net file: %w: %w", engine.ErrInvalidConfig, err)
	}
	if err := decodeStrict(search, &m.Search); err != nil {
		return nil, fmt.Errorf("wakeup: decode search file: %w: %w", engine.ErrInvalidConfig, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(v)
}

// Validate checks the template and search parameters.
func (m *Model) Validate() error {
	if m.Keyword == "" {
		return fmt.Errorf("wakeup: model keyword is empty: %w", engine.ErrInvalidConfig)
	}
	if m.FrameMs <= 0 {
		return fmt.Errorf("wakeup: model %q frame_ms %d: %w", m.Keyword, m.FrameMs, engine.ErrInvalidConfig)
	}
	if len(m.Template) < 3 {
		return fmt.Errorf("wakeup: model %q template needs at least 3 frames, has %d: %w", m.Keyword, len(m.Template), engine.ErrInvalidConfig)
	}
	return m.Search.Validate()
}

// LoadModel reads a model from its net and search files.
func LoadModel(netPath, searchPath string) (*Model, error) {
	net, err := os.ReadFile(netPath)
	if err != nil {
		return nil, fmt.Errorf("wakeup: read net file: %w: %w", engine.ErrInvalidConfig, err)
	}
	search, err := os.ReadFile(searchPath)
	if err != nil {
		return nil, fmt.Errorf("wakeup: read search file: %w: %w", engine.ErrInvalidConfig, err)
	}
	return ParseModel(net, search)
}

var (
	defaultModel     *Model
	defaultModelErr  error
	defaultModelOnce sync.Once
)

func loadDefaultModel() {
	net, err := defaultModelFS.ReadFile("models/default.net.yaml")
	if err != nil {
		defaultModelErr = err
		return
	}
	search, err := defaultModelFS.ReadFile("models/default.search.yaml")
	if err != nil {
		defaultModelErr = err
		return
	}
	defaultModel, defaultModelErr = ParseModel(net, search)
}

// HasDefaultModel reports whether the built-in keyword model is available.
func HasDefaultModel() bool {
	defaultModelOnce.Do(loadDefaultModel)
	return defaultModelErr == nil
}

// DefaultModel returns a copy of the built-in keyword model.
func DefaultModel() (*Model, error) {
	defaultModelOnce.Do(loadDefaultModel)
	if defaultModelErr != nil {
		return nil, fmt.Errorf("wakeup: default model: %w", defaultModelErr)
	}
	return defaultModel.Clone(), nil
}

// Clone returns a deep copy of m.
func (m *Model) Clone() *Model {
	c := *m
	c.Template = append([]float64(nil), m.Template...)
	return &c
}
