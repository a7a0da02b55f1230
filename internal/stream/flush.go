package stream

import (
	"sync/atomic"
	"time"
)

// Flush trigger defaults.
const (
	DefaultMaxDuration = time.Second
	DefaultMinDuration = 500 * time.Millisecond
	DefaultSilenceGap  = time.Second
)

// FlushPolicy decides when buffered audio is sent for transcription.
type FlushPolicy struct {
	// MaxDuration flushes unconditionally once reached.
	MaxDuration time.Duration

	// MinDuration flushes once reached if the speaker has also been quiet
	// for longer than SilenceGap.
	MinDuration time.Duration
	SilenceGap  time.Duration
}

// DefaultFlushPolicy returns the 1s / 0.5s / 1s policy.
func DefaultFlushPolicy() FlushPolicy {
	return FlushPolicy{
		MaxDuration: DefaultMaxDuration,
		MinDuration: DefaultMinDuration,
		SilenceGap:  DefaultSilenceGap,
	}
}

func (p FlushPolicy) withDefaults() FlushPolicy {
	d := DefaultFlushPolicy()
	if p.MaxDuration <= 0 {
		p.MaxDuration = d.MaxDuration
	}
	if p.MinDuration <= 0 {
		p.MinDuration = d.MinDuration
	}
	if p.SilenceGap <= 0 {
		p.SilenceGap = d.SilenceGap
	}
	return p
}

// ShouldFlush reports whether accumulated audio, last active sinceActivity
// ago, should be flushed.
func (p FlushPolicy) ShouldFlush(accumulated, sinceActivity time.Duration) bool {
	if accumulated >= p.MaxDuration {
		return true
	}
	return accumulated >= p.MinDuration && sinceActivity > p.SilenceGap
}

// Guard admits one transcription at a time. The zero value is open.
type Guard struct {
	busy atomic.Bool
}

// TryAcquire takes the guard if it is free.
func (g *Guard) TryAcquire() bool { return g.busy.CompareAndSwap(false, true) }

// Release frees the guard.
func (g *Guard) Release() { g.busy.Store(false) }

// Busy reports whether a transcription holds the guard.
func (g *Guard) Busy() bool { return g.busy.Load() }

// processGuard is shared by every Session that is not given its own.
var processGuard Guard
