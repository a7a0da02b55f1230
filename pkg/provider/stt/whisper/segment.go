package whisper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

const (
	// defaultRMSThreshold is the float RMS below which a chunk counts as
	// silence. 0.01 is roughly -40 dBFS.
	defaultRMSThreshold = 0.01

	defaultLanguage            = "en"
	defaultSampleRate          = 16000
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000

	finalFlushTimeout = 30 * time.Second
)

// inferFunc transcribes one utterance of 16-bit PCM.
type inferFunc func(ctx context.Context, pcm []byte) (stt.Transcript, error)

// segmentConfig controls how a session cuts the audio stream into utterances.
type segmentConfig struct {
	sampleRate          int
	channels            int
	silenceThresholdMs  int
	maxBufferDurationMs int
	interim             bool
}

// session simulates streaming recognition on top of a batch engine. It
// buffers speech, cuts an utterance after silenceThresholdMs of quiet or once
// the buffer reaches maxBufferDurationMs, and runs infer on each utterance.
// All buffering state is confined to processLoop.
//
// An inference failure ends the session; Err returns the cause.
type session struct {
	cfg   segmentConfig
	infer inferFunc

	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done     chan struct{}
	loopDone chan struct{}
	once     sync.Once

	errMu sync.Mutex
	err   error
}

var _ stt.SessionHandle = (*session)(nil)

func newSession(ctx context.Context, cfg segmentConfig, infer inferFunc) *session {
	s := &session{
		cfg:      cfg,
		infer:    infer,
		audioCh:  make(chan []byte, 256),
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go s.processLoop(ctx)
	return s
}

// SendAudio queues a chunk of 16-bit little-endian PCM.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("whisper: session is closed")
	case <-s.loopDone:
		return errors.New("whisper: session ended")
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return errors.New("whisper: session is closed")
	case <-s.loopDone:
		return errors.New("whisper: session ended")
	}
}

// Partials emits a copy of each final when interim results were requested.
// whisper.cpp has no true partials.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals emits one transcript per utterance.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// SetKeywords always fails: whisper.cpp has no keyword boosting.
func (s *session) SetKeywords(_ []stt.KeywordBoost) error {
	return fmt.Errorf("whisper: keyword boosting: %w", stt.ErrNotSupported)
}

// Err reports the inference failure that ended the session, if any.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close flushes pending speech for a last transcription, closes both output
// channels and waits for the processing goroutine.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		<-s.loopDone
	})
	return nil
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

func (s *session) processLoop(ctx context.Context) {
	defer close(s.loopDone)
	defer close(s.partials)
	defer close(s.finals)

	var (
		buffer    []byte // accumulated PCM for the current utterance
		hadSpeech bool   // true once any loud chunk has been buffered
		silenceMs int    // consecutive silence after speech
	)

	bytesPerMs := s.cfg.sampleRate * s.cfg.channels * 2 / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32
	}
	maxBufferBytes := s.cfg.maxBufferDurationMs * bytesPerMs

	// flush runs inference on the buffered utterance and resets the buffer
	// regardless of outcome.
	flush := func(fctx context.Context) error {
		pcm, speech := buffer, hadSpeech
		buffer, hadSpeech, silenceMs = nil, false, 0
		if len(pcm) == 0 || !speech {
			return nil
		}

		t, err := s.infer(fctx, pcm)
		if err != nil {
			return err
		}
		if t.Text == "" {
			return nil
		}
		t.IsFinal = true
		if s.cfg.interim {
			partial := t
			partial.IsFinal = false
			select {
			case s.partials <- partial:
			default:
			}
		}
		select {
		case s.finals <- t:
		default:
			// Full: wait for the reader unless the session is closing.
			select {
			case s.finals <- t:
			case <-s.done:
			}
		}
		return nil
	}

	// finalFlush uses a fresh context: ctx may already be cancelled.
	finalFlush := func() {
		fc, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
		defer cancel()
		if err := flush(fc); err != nil {
			slog.Debug("whisper: final flush failed", "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			finalFlush()
			s.setErr(ctx.Err())
			return

		case <-s.done:
			finalFlush()
			return

		case chunk := <-s.audioCh:
			rms := audio.RMS(audio.PCM16ToFloat32(chunk))
			chunkMs := audio.DurationMs(len(chunk)/2, s.cfg.sampleRate, s.cfg.channels)

			var err error
			if rms < defaultRMSThreshold {
				// Leading silence before any speech is discarded.
				if hadSpeech {
					silenceMs += chunkMs
					buffer = append(buffer, chunk...)
					if silenceMs >= s.cfg.silenceThresholdMs {
						err = flush(ctx)
					}
				}
			} else {
				hadSpeech = true
				silenceMs = 0
				buffer = append(buffer, chunk...)
				if maxBufferBytes > 0 && len(buffer) >= maxBufferBytes {
					err = flush(ctx)
				}
			}
			if err != nil {
				if ctx.Err() != nil {
					s.setErr(ctx.Err())
				} else {
					s.setErr(err)
				}
				return
			}
		}
	}
}
