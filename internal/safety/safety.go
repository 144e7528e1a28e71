// Package safety rejects messages containing banned keywords.
package safety

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultWords is the built-in banned keyword list.
var DefaultWords = []string{
	"hate",
	"racism",
	"abuse",
	"violence",
	"self-harm",
	"suicide",
	"illegal",
	"drugs",
}

// Verdict is the outcome of Check.
type Verdict struct {
	Safe   bool
	Word   string
	Reason string
}

// Filter does case-insensitive substring matching against a keyword list.
// Words and the enabled flag can change while the filter is in use.
type Filter struct {
	enabled atomic.Bool
	logger  *slog.Logger

	mu    sync.RWMutex
	words []string
}

// NewFilter creates a filter. A nil words list selects DefaultWords.
func NewFilter(enabled bool, words []string, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Filter{logger: logger}
	f.enabled.Store(enabled)
	if words == nil {
		words = DefaultWords
	}
	f.words = normalize(words)
	return f
}

func normalize(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" && !slices.Contains(out, w) {
			out = append(out, w)
		}
	}
	return out
}

func (f *Filter) Enabled() bool     { return f.enabled.Load() }
func (f *Filter) SetEnabled(v bool) { f.enabled.Store(v) }

// Check reports the first banned word found in text.
func (f *Filter) Check(text string) Verdict {
	if !f.enabled.Load() {
		return Verdict{Safe: true}
	}
	lower := strings.ToLower(text)

	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, w := range f.words {
		if strings.Contains(lower, w) {
			f.logger.Warn("safety filter blocked message", "word", w)
			return Verdict{
				Word:   w,
				Reason: "Your message contains restricted content. Please avoid: " + w,
			}
		}
	}
	return Verdict{Safe: true}
}

// Add appends a word unless already present.
func (f *Filter) Add(word string) {
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if slices.Contains(f.words, word) {
		return
	}
	f.words = append(f.words, word)
	f.logger.Info("added banned word", "word", word)
}

// Remove deletes a word if present.
func (f *Filter) Remove(word string) {
	word = strings.ToLower(strings.TrimSpace(word))
	f.mu.Lock()
	defer f.mu.Unlock()
	if i := slices.Index(f.words, word); i >= 0 {
		f.words = slices.Delete(f.words, i, i+1)
		f.logger.Info("removed banned word", "word", word)
	}
}

// Words returns a copy of the current list.
func (f *Filter) Words() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.words)
}

// SetWords replaces the list. A nil list restores DefaultWords.
func (f *Filter) SetWords(words []string) {
	if words == nil {
		words = DefaultWords
	}
	next := normalize(words)
	f.mu.Lock()
	f.words = next
	f.mu.Unlock()
}
