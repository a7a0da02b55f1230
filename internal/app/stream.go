package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/api"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/session"
	"github.com/MrWong99/earshot/internal/stream"
	"github.com/MrWong99/earshot/pkg/audio"
)

var errSessionDown = errors.New("audio session disconnected")

// streamMode is assistant-session mode: one voice channel whose participants
// are transcribed utterance by utterance.
type streamMode struct {
	session     *stream.Session
	reconnector *session.Reconnector

	mu  sync.Mutex
	ctx context.Context
}

func (a *App) initStream() error {
	sc := a.cfg.Stream
	if !sc.Enabled {
		return nil
	}
	if a.providers.Audio == nil {
		return errors.New("stream mode requires an audio platform")
	}
	if a.transcribe == nil {
		return errors.New("stream mode requires a transcription backend")
	}

	opts := []stream.SessionOption{
		stream.WithMetrics(a.metrics),
		stream.OnUtterance(func(u stream.Utterance) {
			a.hub.Publish(api.Message{Type: api.TypeUtterance, At: u.At, Data: u})
		}),
	}
	if a.providers.VAD != nil {
		opts = append(opts, stream.WithVAD(a.providers.VAD))
	}

	m := &streamMode{ctx: context.Background()}
	m.session = stream.NewSession(stream.SessionConfig{
		Language: sc.Language,
		Model:    sc.Model,
		Preprocess: stream.PreprocessConfig{
			NoiseGate: sc.NoiseGate,
			Fade:      config.Ms(sc.FadeMs),
		},
		Flush: stream.FlushPolicy{
			MaxDuration: config.Ms(sc.MaxDurationMs),
			MinDuration: config.Ms(sc.MinDurationMs),
			SilenceGap:  config.Ms(sc.SilenceGapMs),
		},
		MaxChunks: sc.MaxChunks,
		MaxIdle:   time.Duration(sc.MaxIdleSeconds) * time.Second,
	}, a.transcribe, opts...)

	m.reconnector = session.NewReconnector(session.ReconnectorConfig{
		Platform:   a.providers.Audio,
		ChannelID:  sc.ChannelID,
		MaxRetries: sc.Reconnect.MaxRetries,
		Backoff:    config.Ms(sc.Reconnect.BackoffMs),
		MaxBackoff: config.Ms(sc.Reconnect.MaxBackoffMs),
		OnReconnect: func(conn audio.Connection) {
			ctx := m.runContext()
			m.session.Attach(ctx, conn)
			m.watch(ctx, conn)
		},
		OnGiveUp: func(err error) {
			slog.Error("audio session lost, giving up", "channel", sc.ChannelID, "err", err)
		},
	})
	a.stream = m
	return nil
}

// start connects, attaches the session and adds the session tick loop and
// the reconnect loop to g.
func (m *streamMode) start(ctx context.Context, g *errgroup.Group) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	conn, err := m.reconnector.Connect(ctx)
	if err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	m.session.Attach(ctx, conn)
	m.watch(ctx, conn)

	g.Go(func() error { return m.session.Run(ctx) })
	g.Go(func() error { return m.reconnector.Run(ctx) })
	return nil
}

func (m *streamMode) runContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// watch reports conn's drop to the reconnector. Connections that cannot
// signal a drop are not watched.
func (m *streamMode) watch(ctx context.Context, conn audio.Connection) {
	dc, ok := conn.(interface{ Done() <-chan struct{} })
	if !ok {
		return
	}
	go func() {
		select {
		case <-dc.Done():
			if ctx.Err() == nil {
				slog.Warn("audio session dropped")
				m.reconnector.NotifyDisconnect()
			}
		case <-ctx.Done():
		}
	}()
}

func (m *streamMode) healthy() error {
	if !m.reconnector.Stats().Connected {
		return errSessionDown
	}
	return nil
}

func (m *streamMode) stop() {
	if err := m.reconnector.Stop(); err != nil {
		slog.Warn("audio session disconnect error", "err", err)
	}
	m.session.Close()
}
