package resilience

import (
	"context"

	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// STTFallback is an [stt.Provider] that opens the session on the first
// recognition engine able to start one.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback returns an STTFallback preferring primary.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another engine.
func (f *STTFallback) AddFallback(name string, p stt.Provider) {
	f.group.AddFallback(name, p)
}

// Snapshots returns the breaker status of every engine.
func (f *STTFallback) Snapshots() []Snapshot { return f.group.Snapshots() }

// StartStream implements stt.Provider. Only session setup fails over; a
// session that later ends reports its own error, and the caller's next
// StartStream picks the engine again.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
