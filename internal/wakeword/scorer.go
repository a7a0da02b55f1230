// Package wakeword scores final recognition results against the configured
// wake phrases.
//
// A phrase matches a hypothesis when the lower-cased, trimmed hypothesis
// contains it. The score starts from the engine confidence (0.5 when the
// engine reports none) and is then adjusted:
//
//   - an exact match is multiplied by the exact bonus (1.2);
//   - otherwise it is multiplied by 1 - extra*0.5, where extra is the share of
//     the hypothesis that is not the phrase;
//   - if the phrase's words occur as a whole-word run in the hypothesis it is
//     multiplied by the standalone bonus (1.1).
//
// Both adjustments compound. The result is clamped to [0, 1] and the best
// (hypothesis, phrase) pair wins.
package wakeword

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// Scoring constants.
const (
	DefaultSensitivity = 0.7
	MinSensitivity     = 0.1
	MaxSensitivity     = 1.0

	// DefaultConfidence stands in for an engine that reports no confidence.
	DefaultConfidence = 0.5

	DefaultExactBonus      = 1.2
	DefaultStandaloneBonus = 1.1
	DefaultPenaltyWeight   = 0.5
)

// ClampSensitivity limits v to [MinSensitivity, MaxSensitivity].
func ClampSensitivity(v float64) float64 {
	return min(max(v, MinSensitivity), MaxSensitivity)
}

// Match is the best scoring (hypothesis, phrase) pair for one result.
type Match struct {
	// Transcript is the hypothesis text as the engine returned it.
	Transcript string

	// WakeWord is the configured phrase, in its configured spelling.
	WakeWord string

	Score float64

	// Confidence is the engine confidence the score started from.
	Confidence float64
}

// Fires reports whether the match reaches sensitivity.
func (m Match) Fires(sensitivity float64) bool {
	return m.Score >= sensitivity
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithExactBonus sets the multiplier for a hypothesis equal to the phrase.
func WithExactBonus(f float64) Option {
	return func(s *Scorer) { s.exactBonus = f }
}

// WithStandaloneBonus sets the multiplier for a phrase that appears as whole
// words. Set it to 1 to disable the bonus.
func WithStandaloneBonus(f float64) Option {
	return func(s *Scorer) { s.standaloneBonus = f }
}

// WithPenaltyWeight sets how strongly surrounding text lowers the score.
func WithPenaltyWeight(f float64) Option {
	return func(s *Scorer) { s.penalty = f }
}

// Scorer is immutable and safe for concurrent use. Replace it to change the
// phrase set.
type Scorer struct {
	phrases []phrase

	exactBonus      float64
	standaloneBonus float64
	penalty         float64
}

type phrase struct {
	original string
	lower    string
	words    []string
}

// New returns a Scorer for phrases. Blank phrases are ignored.
func New(phrases []string, opts ...Option) *Scorer {
	s := &Scorer{
		exactBonus:      DefaultExactBonus,
		standaloneBonus: DefaultStandaloneBonus,
		penalty:         DefaultPenaltyWeight,
	}
	for _, o := range opts {
		o(s)
	}
	for _, p := range phrases {
		lower := strings.ToLower(strings.TrimSpace(p))
		if lower == "" {
			continue
		}
		s.phrases = append(s.phrases, phrase{original: p, lower: lower, words: words(lower)})
	}
	return s
}

// Phrases returns the configured phrases in their original spelling.
func (s *Scorer) Phrases() []string {
	out := make([]string, len(s.phrases))
	for i, p := range s.phrases {
		out[i] = p.original
	}
	return out
}

// Score scores transcript against a single phrase. ok is false when the
// transcript does not contain the phrase.
func (s *Scorer) Score(transcript string, confidence float64, wakeWord string) (score float64, ok bool) {
	lower := strings.ToLower(strings.TrimSpace(wakeWord))
	if lower == "" {
		return 0, false
	}
	return s.score(strings.ToLower(strings.TrimSpace(transcript)), confidence,
		phrase{original: wakeWord, lower: lower, words: words(lower)})
}

// Best returns the highest scoring pair across every hypothesis and every
// configured phrase. ok is false when no hypothesis contains any phrase.
// Ties keep the earlier hypothesis and phrase.
func (s *Scorer) Best(hyps []stt.Alternative) (best Match, ok bool) {
	for _, h := range hyps {
		text := strings.ToLower(strings.TrimSpace(h.Text))
		if text == "" {
			continue
		}
		for _, p := range s.phrases {
			score, hit := s.score(text, h.Confidence, p)
			if !hit || (ok && score <= best.Score) {
				continue
			}
			best = Match{Transcript: h.Text, WakeWord: p.original, Score: score, Confidence: h.Confidence}
			ok = true
		}
	}
	return best, ok
}

func (s *Scorer) score(text string, confidence float64, p phrase) (float64, bool) {
	if !strings.Contains(text, p.lower) {
		return 0, false
	}

	score := confidence
	if score <= 0 {
		score = DefaultConfidence
	}

	if text == p.lower {
		score *= s.exactBonus
	} else {
		n := utf8.RuneCountInString(text)
		extra := float64(n-utf8.RuneCountInString(p.lower)) / float64(n)
		score *= 1 - extra*s.penalty
	}

	if containsRun(words(text), p.words) {
		score *= s.standaloneBonus
	}
	return min(max(score, 0), 1), true
}

// words splits s on white space and trims punctuation from each word.
func words(s string) []string {
	fields := strings.Fields(s)
	out := fields[:0]
	for _, f := range fields {
		if w := strings.TrimFunc(f, unicode.IsPunct); w != "" {
			out = append(out, w)
		}
	}
	return out
}

// containsRun reports whether needle occurs as a contiguous run in hay.
func containsRun(hay, needle []string) bool {
	if len(needle) == 0 || len(needle) > len(hay) {
		return false
	}
outer:
	for i := 0; i+len(needle) <= len(hay); i++ {
		for j, w := range needle {
			if hay[i+j] != w {
				continue outer
			}
		}
		return true
	}
	return false
}
