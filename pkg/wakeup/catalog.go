package wakeup

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/earshot/pkg/engine"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Catalog holds the keyword models available to a process and resolves
// configured keyword names against them. A configured name need not be
// spelled exactly like the model's keyword: names that sound the same
// (Double Metaphone) and are reasonably similar (Jaro-Winkler) resolve, as
// do close misspellings.
//
// All methods are safe for concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]*Model
}

// NewCatalog returns a catalog holding models, plus the built-in default
// model when it is available.
func NewCatalog(models ...*Model) (*Catalog, error) {
	c := &Catalog{models: make(map[string]*Model)}
	if HasDefaultModel() {
		m, _ := DefaultModel()
		c.models[normalise(m.Keyword)] = m
	}
	for _, m := range models {
		if err := c.Add(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add validates m and registers it under its keyword, replacing any model
// with the same keyword.
func (c *Catalog) Add(m *Model) error {
	if err := m.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[normalise(m.Keyword)] = m.Clone()
	return nil
}

// LoadDir registers every model in dir. A model is a pair of files named
// <name>.net.yaml and <name>.search.yaml.
func (c *Catalog) LoadDir(dir string) error {
	nets, err := filepath.Glob(filepath.Join(dir, "*.net.yaml"))
	if err != nil {
		return fmt.Errorf("wakeup: scan model dir: %w", err)
	}
	for _, net := range nets {
		search := strings.TrimSuffix(net, ".net.yaml") + ".search.yaml"
		if _, err := os.Stat(search); err != nil {
			return fmt.Errorf("wakeup: model %q has no search file: %w: %w", filepath.Base(net), engine.ErrInvalidConfig, err)
		}
		m, err := LoadModel(net, search)
		if err != nil {
			return err
		}
		if err := c.Add(m); err != nil {
			return err
		}
	}
	return nil
}

// Keywords returns the registered keywords in sorted order.
func (c *Catalog) Keywords() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m.Keyword)
	}
	slices.Sort(out)
	return out
}

// Resolve returns a copy of the model that best matches keyword together with
// the match confidence (1 for an exact match). It fails with
// engine.ErrInvalidConfig when nothing matches.
func (c *Catalog) Resolve(keyword string) (*Model, float64, error) {
	want := normalise(keyword)
	if want == "" {
		return nil, 0, fmt.Errorf("wakeup: empty keyword: %w", engine.ErrInvalidConfig)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if m, ok := c.models[want]; ok {
		return m.Clone(), 1, nil
	}

	wantKey := phoneticKey(want)
	var (
		best      *Model
		bestScore float64
		phonetic  bool
	)
	for name, m := range c.models {
		score := similarity(want, name)
		if wantKey != "" && phoneticKey(name) == wantKey {
			if score >= defaultPhoneticThreshold && (!phonetic || score > bestScore) {
				best, bestScore, phonetic = m, score, true
			}
		} else if !phonetic && score >= defaultFuzzyThreshold && score > bestScore {
			best, bestScore = m, score
		}
	}
	if best == nil {
		return nil, 0, fmt.Errorf("wakeup: no model for keyword %q: %w", keyword, engine.ErrInvalidConfig)
	}
	return best.Clone(), bestScore, nil
}

func normalise(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// phoneticKey concatenates the primary Double Metaphone code of every token,
// so only phrases that sound alike word for word share a key.
func phoneticKey(phrase string) string {
	var b strings.Builder
	for _, t := range strings.Fields(phrase) {
		p, _ := matchr.DoubleMetaphone(t)
		b.WriteString(p)
		b.WriteByte('|')
	}
	return b.String()
}

// similarity is the better of the full-phrase and space-stripped
// Jaro-Winkler scores.
func similarity(a, b string) float64 {
	score := matchr.JaroWinkler(a, b, false)
	ca, cb := strings.ReplaceAll(a, " ", ""), strings.ReplaceAll(b, " ", "")
	if s := matchr.JaroWinkler(ca, cb, false); s > score {
		score = s
	}
	return score
}
