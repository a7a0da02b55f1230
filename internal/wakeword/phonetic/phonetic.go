// Package phonetic compares wake phrases by sound using Double Metaphone
// codes and Jaro-Winkler similarity.
//
// Two phrases are similar when, after dropping the words they share, either
// their remaining words have overlapping Double Metaphone codes and a
// Jaro-Winkler score of at least the phonetic threshold (default 0.70), or
// their Jaro-Winkler score alone reaches the fuzzy threshold (default 0.85).
//
// The detector uses this to lint the configured wake words ("jarvis" and
// "travis" will trigger each other) and to log near misses in transcripts
// that did not contain any wake word verbatim.
package phonetic

import (
	"slices"
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for phrases whose
// phonetic codes overlap. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for phrases without
// phonetic overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher with the given options applied.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Similarity scores how alike a and b sound. ok is false when the score does
// not clear the applicable threshold. Case and surrounding space are ignored.
func (m *Matcher) Similarity(a, b string) (score float64, ok bool) {
	at := strings.Fields(strings.ToLower(a))
	bt := strings.Fields(strings.ToLower(b))
	if len(at) == 0 || len(bt) == 0 {
		return 0, false
	}
	at, bt = dropShared(at, bt)
	if len(at) == 0 && len(bt) == 0 {
		return 1, true
	}
	if len(at) == 0 || len(bt) == 0 {
		// One phrase is the other plus extra words.
		return 0, false
	}

	score = bestJWScore(at, bt)
	if codesOverlap(codesForTokens(at), codesForTokens(bt)) {
		return score, score >= m.phoneticThreshold
	}
	return score, score >= m.fuzzyThreshold
}

// Match returns the candidate that sounds most like phrase. When nothing
// clears the thresholds, ok is false and best is empty.
func (m *Matcher) Match(phrase string, candidates []string) (best string, score float64, ok bool) {
	for _, c := range candidates {
		if strings.TrimSpace(c) == "" {
			continue
		}
		if s, hit := m.Similarity(phrase, c); hit && s > score {
			best, score, ok = c, s, true
		}
	}
	return best, score, ok
}

// Pair is two configured phrases that sound alike.
type Pair struct {
	A, B  string
	Score float64
}

// Confusable returns every pair of phrases that are similar, in input order.
func (m *Matcher) Confusable(phrases []string) []Pair {
	var out []Pair
	for i := range phrases {
		for j := i + 1; j < len(phrases); j++ {
			if s, ok := m.Similarity(phrases[i], phrases[j]); ok {
				out = append(out, Pair{A: phrases[i], B: phrases[j], Score: s})
			}
		}
	}
	return out
}

// dropShared removes tokens present in both slices.
func dropShared(a, b []string) ([]string, []string) {
	var ra, rb []string
	for _, t := range a {
		if !slices.Contains(b, t) {
			ra = append(ra, t)
		}
	}
	for _, t := range b {
		if !slices.Contains(a, t) {
			rb = append(rb, t)
		}
	}
	return ra, rb
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
// Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler score over the joined phrases,
// the phrases with spaces removed, and every token pair.
func bestJWScore(a, b []string) float64 {
	score := matchr.JaroWinkler(strings.Join(a, " "), strings.Join(b, " "), false)
	if len(a) > 1 || len(b) > 1 {
		score = max(score, matchr.JaroWinkler(strings.Join(a, ""), strings.Join(b, ""), false))
	}
	for _, x := range a {
		for _, y := range b {
			score = max(score, matchr.JaroWinkler(x, y, false))
		}
	}
	return score
}
