package stream

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/earshot/internal/clock"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/transcribe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/vad"
	"github.com/MrWong99/earshot/pkg/provider/vad/energy"
)

// Session defaults.
const (
	DefaultSampleRate    = 16000
	DefaultTickInterval  = 200 * time.Millisecond
	DefaultSweepInterval = 30 * time.Second
	DefaultMaxIdle       = 5 * time.Minute
)

// Utterance is one transcribed flush.
type Utterance struct {
	UserID   string        `json:"userId"`
	Username string        `json:"username,omitempty"`
	Text     string        `json:"text"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// SessionConfig tunes a [Session]. Zero values take defaults.
type SessionConfig struct {
	// SampleRate is the mono rate audio is converted to. Default 16000.
	SampleRate int

	Language string
	Model    string

	Preprocess PreprocessConfig
	Flush      FlushPolicy

	// MaxChunks caps each participant's buffer. Default 1000.
	MaxChunks int

	// TickInterval is how often silence gaps are evaluated. Default 200ms.
	TickInterval time.Duration

	// SweepInterval and MaxIdle control removal of idle records. Defaults
	// 30s and 5m.
	SweepInterval time.Duration
	MaxIdle       time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	c.Preprocess.SampleRate = c.SampleRate
	c.Flush = c.Flush.withDefaults()
	if c.MaxChunks <= 0 {
		c.MaxChunks = DefaultMaxChunks
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = DefaultMaxIdle
	}
	return c
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithClock replaces the wall clock used for activity tracking.
func WithClock(c clock.Clock) SessionOption { return func(s *Session) { s.clk = c } }

// WithMetrics records flushes and participant counts on m.
func WithMetrics(m *observe.Metrics) SessionOption { return func(s *Session) { s.metrics = m } }

// WithVAD replaces the energy activity detector.
func WithVAD(e vad.Engine) SessionOption { return func(s *Session) { s.vad = e } }

// WithGuard replaces the process-wide in-flight guard.
func WithGuard(g *Guard) SessionOption { return func(s *Session) { s.guard = g } }

// OnUtterance sets the handler for non-empty transcriptions.
func OnUtterance(fn func(Utterance)) SessionOption {
	return func(s *Session) { s.onUtterance = fn }
}

// Session consumes every participant stream of an [audio.Connection].
type Session struct {
	cfg         SessionConfig
	transcriber transcribe.Transcriber
	vad         vad.Engine
	clk         clock.Clock
	metrics     *observe.Metrics
	guard       *Guard
	pre         *Preprocessor
	registry    *Registry
	onUtterance func(Utterance)

	mu      sync.Mutex
	ctx     context.Context
	conn    audio.Connection
	workers map[string]context.CancelFunc
	names   map[string]string
	wg      sync.WaitGroup
}

// NewSession returns a Session that transcribes with t.
func NewSession(cfg SessionConfig, t transcribe.Transcriber, opts ...SessionOption) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:         cfg,
		transcriber: t,
		vad:         energy.New(),
		clk:         clock.Real(),
		guard:       &processGuard,
		pre:         NewPreprocessor(cfg.Preprocess),
		registry:    NewRegistry(),
		onUtterance: func(Utterance) {},
		workers:     make(map[string]context.CancelFunc),
		names:       make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Registry returns the participant records.
func (s *Session) Registry() *Registry { return s.registry }

// Attach starts consuming conn, replacing any previously attached
// connection. Workers stop when ctx is cancelled or Close is called.
func (s *Session) Attach(ctx context.Context, conn audio.Connection) {
	s.detach()

	s.mu.Lock()
	s.ctx, s.conn = ctx, conn
	s.mu.Unlock()

	for userID, ch := range conn.InputStreams() {
		s.startWorker(userID, ch)
	}
	conn.OnParticipantChange(func(ev audio.Event) {
		switch ev.Type {
		case audio.EventJoin:
			s.mu.Lock()
			if ev.Username != "" {
				s.names[ev.UserID] = ev.Username
			}
			s.mu.Unlock()
			if ch, ok := conn.InputStreams()[ev.UserID]; ok {
				s.startWorker(ev.UserID, ch)
			}
		case audio.EventLeave:
			s.stopWorker(ev.UserID)
			s.registry.Remove(ev.UserID)
		}
	})
}

// Participants returns the number of running participant workers.
func (s *Session) Participants() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Speaking returns the participants whose latest frame contained speech,
// sorted by user ID.
func (s *Session) Speaking() []string {
	var ids []string
	for _, r := range s.registry.All() {
		if r.IsActive() {
			ids = append(ids, r.UserID)
		}
	}
	slices.Sort(ids)
	return ids
}

// Run evaluates silence gaps and sweeps idle records until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			s.FlushIdle(ctx)
		case <-sweep.C:
			s.Sweep()
		}
	}
}

// Close stops all workers and waits for them and any in-flight
// transcription.
func (s *Session) Close() {
	s.detach()
	s.wg.Wait()
}

func (s *Session) detach() {
	s.mu.Lock()
	workers := s.workers
	s.workers = make(map[string]context.CancelFunc)
	s.conn = nil
	s.mu.Unlock()
	for id, cancel := range workers {
		cancel()
		s.participantLeft(id)
	}
}

func (s *Session) startWorker(userID string, ch <-chan audio.AudioFrame) {
	s.mu.Lock()
	if _, ok := s.workers[userID]; ok || s.ctx == nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.workers[userID] = cancel
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveParticipants.Add(context.Background(), 1)
	}
	slog.Debug("stream: participant joined", "user", userID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consume(ctx, userID, ch)
	}()
}

func (s *Session) stopWorker(userID string) {
	s.mu.Lock()
	cancel, ok := s.workers[userID]
	delete(s.workers, userID)
	s.mu.Unlock()
	if ok {
		cancel()
		s.participantLeft(userID)
	}
}

func (s *Session) participantLeft(userID string) {
	if s.metrics != nil {
		s.metrics.ActiveParticipants.Add(context.Background(), -1)
	}
	slog.Debug("stream: participant left", "user", userID)
}

func (s *Session) consume(ctx context.Context, userID string, ch <-chan audio.AudioFrame) {
	conv := &audio.FormatConverter{Target: audio.Format{SampleRate: s.cfg.SampleRate, Channels: 1}}
	var vs vad.SessionHandle
	if s.vad != nil {
		h, err := s.vad.NewSession(vad.Config{SampleRate: s.cfg.SampleRate})
		if err != nil {
			slog.Warn("stream: vad unavailable, using level gate", "user", userID, "err", err)
		} else {
			vs = h
			defer vs.Close()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			s.Ingest(ctx, userID, conv.Convert(frame), vs)
		}
	}
}

// Ingest buffers one mono frame at the session rate for userID and flushes
// when the policy says so. vs may be nil.
func (s *Session) Ingest(ctx context.Context, userID string, frame audio.AudioFrame, vs vad.SessionHandle) {
	if len(frame.Data) == 0 {
		return
	}
	active := s.isActive(frame.Data, vs)
	now := s.clk.Now()
	rec := s.registry.GetOrCreate(userID, func() *Record {
		r := NewRecord(userID, s.cfg.MaxChunks, now)
		s.mu.Lock()
		r.Username = s.names[userID]
		s.mu.Unlock()
		return r
	})
	rec.Append(s.pre.Process(frame.Data), active, now)
	s.maybeFlush(ctx, rec, now)
}

func (s *Session) isActive(pcm []byte, vs vad.SessionHandle) bool {
	if vs != nil {
		ev, err := vs.ProcessFrame(pcm)
		if err == nil {
			return ev.Voiced()
		}
		slog.Debug("stream: vad frame rejected", "err", err)
	}
	return audio.RMS(audio.PCM16ToFloat32(pcm)) >= DefaultNoiseGate
}

// FlushIdle applies the flush policy to every record. It catches short
// utterances followed by silence, when no new frame would trigger a flush.
func (s *Session) FlushIdle(ctx context.Context) {
	now := s.clk.Now()
	for _, rec := range s.registry.All() {
		s.maybeFlush(ctx, rec, now)
	}
}

// Sweep removes records idle for longer than MaxIdle.
func (s *Session) Sweep() {
	if removed := s.registry.Sweep(s.clk.Now(), s.cfg.MaxIdle); len(removed) > 0 {
		slog.Debug("stream: swept idle participants", "users", removed)
	}
}

func (s *Session) maybeFlush(ctx context.Context, rec *Record, now time.Time) bool {
	if !s.cfg.Flush.ShouldFlush(rec.Duration(s.cfg.SampleRate), rec.SinceActivity(now)) {
		return false
	}
	return s.flush(ctx, rec)
}

// flush hands rec's audio to the transcriber unless a transcription is
// already running, in which case the audio stays buffered.
func (s *Session) flush(ctx context.Context, rec *Record) bool {
	if !s.guard.TryAcquire() {
		if s.metrics != nil {
			s.metrics.RecordFlush(ctx, "skipped")
		}
		slog.Debug("stream: flush skipped, transcription in flight", "user", rec.UserID)
		return false
	}
	samples := rec.Take()
	if s.metrics != nil {
		s.metrics.RecordFlush(ctx, "flushed")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.guard.Release()
		s.transcribe(ctx, rec, samples)
	}()
	return true
}

func (s *Session) transcribe(ctx context.Context, rec *Record, samples []float32) {
	wav := audio.EncodeWAV(audio.Float32ToPCM16(samples), s.cfg.SampleRate, 1)
	text := transcribe.BestEffort(ctx, s.transcriber, wav, transcribe.Options{
		MimeType: "audio/wav",
		Language: s.cfg.Language,
		Model:    s.cfg.Model,
	})
	if text == "" {
		slog.Debug("stream: empty transcription", "user", rec.UserID, "samples", len(samples))
		return
	}
	u := Utterance{
		UserID:   rec.UserID,
		Username: rec.Username,
		Text:     text,
		Duration: time.Duration(len(samples)) * time.Second / time.Duration(s.cfg.SampleRate),
		At:       s.clk.Now(),
	}
	slog.Info("stream: utterance", "user", u.UserID, "text", u.Text, "duration", u.Duration)
	s.onUtterance(u)
}
