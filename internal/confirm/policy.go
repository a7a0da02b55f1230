// Package confirm implements the second-pass verification of a client-side
// wake-word detection.
//
// The [Client] posts the detector's recent-audio snapshot to a confirmation
// [Server], which transcribes it with alternatives, scores each alternative
// against the wake word and averages that score with the client's. When the
// server cannot be reached the client falls back to its own score against a
// stricter threshold. Confirmation never fails the interaction: every path
// yields a [Result].
package confirm

import (
	"errors"
	"strings"
	"unicode"

	"github.com/MrWong99/earshot/internal/transcribe"
)

// Default thresholds.
const (
	DefaultCombinedThreshold = 0.6
	DefaultFallbackThreshold = 0.7
)

const (
	exactBonus      = 1.2
	standaloneBonus = 1.1
	baseConfidence  = 0.5

	// epsilon absorbs float rounding at the threshold boundary, e.g.
	// (0.8+0.4)/2 against 0.6.
	epsilon = 1e-9
)

// ErrUnreachable is wrapped by [Result.Err] when the server could not be
// used: not configured, down, circuit open or a malformed reply.
var ErrUnreachable = errors.New("confirm: server unreachable")

// Method records how a [Result] was decided.
type Method string

const (
	// MethodClientOnly: the server answered but heard nothing, so the
	// client score was judged alone.
	MethodClientOnly Method = "client-only"

	// MethodClientFallback: the server was unavailable.
	MethodClientFallback Method = "client-fallback"

	// MethodServerConfirmed: client and server scores were combined.
	MethodServerConfirmed Method = "server-confirmed"
)

// Alternative is one server-side transcription hypothesis.
type Alternative = transcribe.Alternative

// Result is the outcome of one confirmation.
type Result struct {
	Confirmed    bool          `json:"confirmed"`
	Confidence   float64       `json:"confidence"`
	Method       Method        `json:"method"`
	Transcript   string        `json:"transcript"`
	Alternatives []Alternative `json:"alternatives"`

	// Err is the diagnostic cause of a fallback. Never serialised.
	Err error `json:"-"`
}

// Policy holds the two confirmation thresholds.
type Policy struct {
	// CombinedThreshold applies to (client+server)/2.
	CombinedThreshold float64

	// FallbackThreshold applies to the client score alone.
	FallbackThreshold float64
}

// DefaultPolicy returns the 0.6 / 0.7 policy.
func DefaultPolicy() Policy {
	return Policy{CombinedThreshold: DefaultCombinedThreshold, FallbackThreshold: DefaultFallbackThreshold}
}

func (p Policy) withDefaults() Policy {
	if p.CombinedThreshold <= 0 {
		p.CombinedThreshold = DefaultCombinedThreshold
	}
	if p.FallbackThreshold <= 0 {
		p.FallbackThreshold = DefaultFallbackThreshold
	}
	return p
}

// Combine averages the client and server scores and applies
// CombinedThreshold.
func (p Policy) Combine(client, server float64, transcript string, alts []Alternative) Result {
	p = p.withDefaults()
	c := (client + server) / 2
	return Result{
		Confirmed:    c+epsilon >= p.CombinedThreshold,
		Confidence:   c,
		Method:       MethodServerConfirmed,
		Transcript:   transcript,
		Alternatives: alts,
	}
}

// Fallback judges the client score alone because the server was unavailable.
// cause is kept on Result.Err.
func (p Policy) Fallback(client float64, cause error) Result {
	p = p.withDefaults()
	return Result{
		Confirmed:  client+epsilon >= p.FallbackThreshold,
		Confidence: client,
		Method:     MethodClientFallback,
		Err:        cause,
	}
}

// ClientOnly judges the client score alone because the server heard nothing.
func (p Policy) ClientOnly(client float64) Result {
	r := p.Fallback(client, nil)
	r.Method = MethodClientOnly
	return r
}

// ServerScore scores server alternatives against wakeWord: for every
// alternative containing the phrase, its confidence (0.5 when absent) times
// 1.2 for an exact match and 1.1 for a whole-word occurrence, clamped to 1.
// The best alternative wins; 0 when none contain the phrase.
func ServerScore(alts []Alternative, wakeWord string) float64 {
	ww := strings.ToLower(strings.TrimSpace(wakeWord))
	if ww == "" {
		return 0
	}
	wwWords := strings.Fields(ww)

	var best float64
	for _, a := range alts {
		text := strings.ToLower(strings.TrimSpace(a.Text))
		if !strings.Contains(text, ww) {
			continue
		}
		s := a.Confidence
		if s <= 0 {
			s = baseConfidence
		}
		if text == ww {
			s *= exactBonus
		}
		if hasWordRun(tokens(text), wwWords) {
			s *= standaloneBonus
		}
		best = max(best, min(s, 1))
	}
	return best
}

func tokens(s string) []string {
	f := strings.Fields(s)
	for i, w := range f {
		f[i] = strings.TrimFunc(w, func(r rune) bool { return unicode.IsPunct(r) })
	}
	return f
}

func hasWordRun(words, run []string) bool {
	for i := 0; i+len(run) <= len(words); i++ {
		match := true
		for j := range run {
			if words[i+j] != run[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
