package wakeup

import (
	"math"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Scorer turns frames into raw keyword confidence. Implementations keep their
// own rolling state and never rescan history.
type Scorer interface {
	// Score consumes one frame and returns the raw confidence in [0, 1].
	Score(f audio.Frame) float64

	// Window returns how many frames the most recent score spans.
	Window() int

	// Reset clears rolling state.
	Reset()
}

// noiseRise is how fast the noise floor follows louder input, per frame.
const noiseRise = 0.01

// TemplateScorer correlates the rolling contour of frame energies against a
// model's energy template. The raw score is the Pearson correlation of the
// window with the template, clipped at zero, and is forced to zero while the
// window peak is less than MinSNR above the adaptive noise floor.
type TemplateScorer struct {
	template []float64
	tMean    float64
	tNorm    float64
	minSNR   float64

	window []float64 // ring of recent energies
	next   int
	filled int

	floor     float64
	haveFloor bool
}

// NewTemplateScorer returns a scorer for m.
func NewTemplateScorer(m *Model) *TemplateScorer {
	s := &TemplateScorer{
		template: append([]float64(nil), m.Template...),
		minSNR:   m.Search.MinSNR,
		window:   make([]float64, len(m.Template)),
	}
	for _, v := range s.template {
		s.tMean += v
	}
	s.tMean /= float64(len(s.template))
	for _, v := range s.template {
		d := v - s.tMean
		s.tNorm += d * d
	}
	s.tNorm = math.Sqrt(s.tNorm)
	return s
}

// Score implements [Scorer].
func (s *TemplateScorer) Score(f audio.Frame) float64 {
	e := f.EnergyDB()
	s.trackFloor(e)

	s.window[s.next] = e
	s.next = (s.next + 1) % len(s.window)
	if s.filled < len(s.window) {
		s.filled++
		return 0
	}

	n := len(s.window)
	var mean, peak float64
	peak = math.Inf(-1)
	for _, v := range s.window {
		mean += v
		peak = max(peak, v)
	}
	if peak-s.floor < s.minSNR {
		return 0
	}
	mean /= float64(n)

	var dot, norm float64
	for i := range n {
		// s.next is the oldest entry once the ring is full.
		w := s.window[(s.next+i)%n] - mean
		dot += w * (s.template[i] - s.tMean)
		norm += w * w
	}
	if norm < 1e-9 || s.tNorm < 1e-9 {
		return 0
	}
	return max(0, min(1, dot/(math.Sqrt(norm)*s.tNorm)))
}

// trackFloor follows drops immediately and rises slowly.
func (s *TemplateScorer) trackFloor(e float64) {
	switch {
	case !s.haveFloor:
		s.floor, s.haveFloor = e, true
	case e < s.floor:
		s.floor = e
	default:
		s.floor += (e - s.floor) * noiseRise
	}
}

// SetMinSNR changes the SNR gate from the next frame.
func (s *TemplateScorer) SetMinSNR(db float64) { s.minSNR = db }

// Window implements [Scorer].
func (s *TemplateScorer) Window() int { return len(s.window) }

// NoiseFloor returns the current noise floor estimate in dB.
func (s *TemplateScorer) NoiseFloor() float64 { return s.floor }

// Reset implements [Scorer]. The noise floor survives a reset since it
// describes the channel, not the episode.
func (s *TemplateScorer) Reset() {
	clear(s.window)
	s.next, s.filled = 0, 0
}
