package detector

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/internal/confirm"
	"github.com/MrWong99/earshot/internal/recognition"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// Event is an input to the state machine.
type Event interface {
	event()
}

// ResultEvent carries a final recognition result.
type ResultEvent struct {
	Transcript stt.Transcript
}

// RecognitionErrorEvent carries a reportable recognition failure.
type RecognitionErrorEvent struct {
	Err *recognition.Error
}

// HoldElapsedEvent ends the confirmed hold started in generation Gen.
type HoldElapsedEvent struct {
	Gen uint64
}

// ConfirmationEvent carries the confirmer's answer for a detection made in
// generation Gen.
type ConfirmationEvent struct {
	Gen         uint64
	DetectionID uuid.UUID
	WakeWord    string
	Result      confirm.Result
}

func (ResultEvent) event()           {}
func (RecognitionErrorEvent) event() {}
func (HoldElapsedEvent) event()      {}
func (ConfirmationEvent) event()     {}

// Generation returns the current generation, for building events in tests.
func (d *Detector) Generation() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen
}

// Dispatch applies ev. It is the only path by which recognition results,
// timers and confirmations change the detector.
func (d *Detector) Dispatch(ev Event) {
	var fx effects
	d.mu.Lock()
	switch ev := ev.(type) {
	case ResultEvent:
		d.onResultLocked(ev.Transcript, &fx)
	case RecognitionErrorEvent:
		d.onRecognitionErrorLocked(ev.Err, &fx)
	case HoldElapsedEvent:
		if ev.Gen == d.gen && d.status == StatusConfirmed {
			d.hold = nil
			d.setStatusLocked(StatusDetecting, &fx)
		}
	case ConfirmationEvent:
		d.onConfirmationLocked(ev, &fx)
	}
	d.mu.Unlock()
	fx.run()
}

func (d *Detector) onResultLocked(t stt.Transcript, fx *effects) {
	if !d.started || d.status != StatusDetecting {
		return
	}
	hyps := t.Hypotheses()
	m, ok := d.scorer.Best(hyps)
	if !ok {
		if len(hyps) > 0 {
			if ww, score, near := d.phonetic.Match(hyps[0].Text, d.scorer.Phrases()); near {
				slog.Debug("detector: near miss", "transcript", hyps[0].Text, "wake_word", ww, "similarity", score)
			}
		}
		return
	}
	if !m.Fires(d.cfg.Sensitivity) {
		slog.Debug("detector: below sensitivity",
			"transcript", m.Transcript, "wake_word", m.WakeWord, "score", m.Score, "sensitivity", d.cfg.Sensitivity)
		return
	}

	rec := Record{
		ID:         uuid.New(),
		Transcript: m.Transcript,
		WakeWord:   m.WakeWord,
		Score:      m.Score,
		Timestamp:  d.clk.Now(),
	}
	d.history.push(rec)
	d.stats.Detections++

	samples := d.ring.Recent(d.cfg.SnapshotWindow)
	det := Detection{
		Record: rec,
		Audio: Audio{
			Samples:    samples,
			SampleRate: d.cfg.SampleRate,
			DurationMs: audio.DurationMs(len(samples), d.cfg.SampleRate, d.cfg.Channels),
		},
	}

	d.setStatusLocked(StatusConfirmed, fx)
	gen := d.gen
	d.hold = d.clk.AfterFunc(d.cfg.HoldDuration, func() { d.Dispatch(HoldElapsedEvent{Gen: gen}) })

	confirmer, ctx, userID := d.confirmer, d.confirmCtx, d.cfg.UserID
	*fx = append(*fx, func() {
		slog.Info("wake word detected", "wake_word", rec.WakeWord, "score", rec.Score, "transcript", rec.Transcript)
		if d.metrics != nil {
			d.metrics.RecordDetection(context.Background(), rec.WakeWord, rec.Score)
		}
		d.onDetection(det)
		if confirmer != nil && ctx != nil {
			go d.runConfirm(ctx, confirmer, gen, det, userID)
		}
	})
}

func (d *Detector) runConfirm(ctx context.Context, c Confirmer, gen uint64, det Detection, userID string) {
	res := c.Confirm(ctx, confirm.Request{
		Samples:    det.Audio.Samples,
		SampleRate: det.Audio.SampleRate,
		WakeWord:   det.WakeWord,
		Confidence: det.Score,
		UserID:     userID,
	})
	d.Dispatch(ConfirmationEvent{Gen: gen, DetectionID: det.ID, WakeWord: det.WakeWord, Result: res})
}

func (d *Detector) onConfirmationLocked(ev ConfirmationEvent, fx *effects) {
	if ev.Gen != d.gen {
		slog.Debug("detector: stale confirmation discarded", "detection", ev.DetectionID)
		return
	}
	d.stats.Confirmations++
	c := Confirmation{DetectionID: ev.DetectionID, WakeWord: ev.WakeWord, Result: ev.Result}
	if c.Err != nil {
		d.stats.Fallbacks++
		c.Err = &Error{Kind: KindConfirmationUnreachable, Err: c.Err}
		*fx = append(*fx, func() {
			slog.Warn("detector: confirmation fell back to client score", "detection", c.DetectionID, "err", c.Err)
		})
	}
	*fx = append(*fx, func() { d.onConfirmation(c) })
}

// onRecognitionErrorLocked moves to the error state and stops listening.
// Configuration and history are kept so Start can recover.
func (d *Detector) onRecognitionErrorLocked(rerr *recognition.Error, fx *effects) {
	if rerr == nil || !rerr.Class.Reportable() || !d.started {
		return
	}
	err := recognitionError(rerr)
	d.lastErr = err
	d.started = false
	d.gen++
	d.stopTimersLocked()
	graph, adapter := d.graph, d.adapter
	d.setStatusLocked(StatusError, fx)

	*fx = append(*fx, func() {
		slog.Warn("detector: recognition failed", "kind", err.Kind.String(), "class", string(rerr.Class), "err", rerr.Err)
		if d.metrics != nil {
			d.metrics.RecordRecognitionError(context.Background(), string(rerr.Class))
		}
		if adapter != nil {
			adapter.Stop()
		}
		if graph != nil {
			_ = graph.Suspend()
		}
	})
}
