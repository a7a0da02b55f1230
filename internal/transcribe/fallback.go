package transcribe

import (
	"context"
	"time"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/resilience"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Fallback tries each registered backend in order, skipping those whose
// circuit breaker is open.
type Fallback struct {
	group *resilience.FallbackGroup[Transcriber]
}

var _ Transcriber = (*Fallback)(nil)

// NewFallback returns a Fallback with primary as the preferred backend.
func NewFallback(primary Transcriber, primaryName string, cfg resilience.FallbackConfig) *Fallback {
	return &Fallback{group: resilience.NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend after those already added.
func (f *Fallback) AddFallback(name string, t Transcriber) {
	f.group.AddFallback(name, t)
}

// Transcribe implements Transcriber.
func (f *Fallback) Transcribe(ctx context.Context, audio []byte, opts Options) (Result, error) {
	if len(audio) == 0 {
		return Result{}, ErrEmptyAudio
	}
	return resilience.ExecuteWithResult(f.group, func(t Transcriber) (Result, error) {
		return t.Transcribe(ctx, audio, opts)
	})
}

// Instrument wraps t so every call records earshot.transcription.duration and
// provider request counters under name and runs inside a span.
func Instrument(name string, t Transcriber, m *observe.Metrics) Transcriber {
	return Func(func(ctx context.Context, audio []byte, opts Options) (Result, error) {
		ctx, span := observe.StartSpan(ctx, "transcribe."+name,
			trace.WithAttributes(
				attribute.String("transcribe.backend", name),
				attribute.Int("transcribe.bytes", len(audio)),
			),
		)
		defer span.End()

		start := time.Now()
		res, err := t.Transcribe(ctx, audio, opts)
		m.RecordTranscription(ctx, name, time.Since(start).Seconds())

		status := "ok"
		if err != nil {
			status = "error"
			observe.FailSpan(span, err)
			m.RecordProviderError(ctx, name, "transcribe")
		}
		m.RecordProviderRequest(ctx, name, "transcribe", status)
		return res, err
	})
}
