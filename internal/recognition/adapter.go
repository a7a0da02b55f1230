// Package recognition keeps a continuous speech recognition session alive for
// as long as the caller wants to listen.
//
// An Adapter opens an [stt.SessionHandle], forwards queued audio into it and
// hands final results to a callback. Interim results are drained and dropped.
// When the engine ends the session on its own (silence timeout, dropped
// connection) while the adapter is listening, a fresh session is opened after
// RestartDelay. Consecutive failures double the delay up to MaxRestartDelay.
// Stop cancels any pending restart.
package recognition

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/earshot/internal/clock"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// Defaults for Config.
const (
	DefaultRestartDelay    = 100 * time.Millisecond
	DefaultMaxRestartDelay = 5 * time.Second
	DefaultQueueSize       = 64
)

// Config controls an Adapter.
type Config struct {
	// Stream is passed to every StartStream call.
	Stream stt.StreamConfig

	// RestartDelay is the pause before reopening a session the engine ended.
	RestartDelay time.Duration

	// MaxRestartDelay caps the backoff after repeated failures.
	MaxRestartDelay time.Duration

	// QueueSize is the number of audio chunks buffered between SendAudio and
	// the session. Chunks beyond it are dropped.
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.RestartDelay <= 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.MaxRestartDelay < c.RestartDelay {
		c.MaxRestartDelay = max(DefaultMaxRestartDelay, c.RestartDelay)
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClock replaces the wall clock used for restart timers.
func WithClock(c clock.Clock) Option {
	return func(a *Adapter) { a.clk = c }
}

// OnResult sets the handler for final results. It runs on the session's
// reader goroutine and must not block for long.
func OnResult(fn func(stt.Transcript)) Option {
	return func(a *Adapter) { a.onResult = fn }
}

// OnError sets the handler for reportable failures. Errors of class
// [ClassNoSpeech] are never passed to it.
func OnError(fn func(*Error)) Option {
	return func(a *Adapter) { a.onError = fn }
}

// OnRestart sets a hook that runs before each automatic reopen.
func OnRestart(fn func()) Option {
	return func(a *Adapter) { a.onRestart = fn }
}

// Adapter wraps a recognition provider. All methods are safe for concurrent
// use.
type Adapter struct {
	provider stt.Provider
	cfg      Config
	clk      clock.Clock

	onResult  func(stt.Transcript)
	onError   func(*Error)
	onRestart func()

	dropped  atomic.Int64
	restarts atomic.Int64

	mu        sync.Mutex
	listening bool
	gen       uint64
	ctx       context.Context
	cancel    context.CancelFunc
	queue     chan []byte
	sess      stt.SessionHandle
	timer     clock.Timer
	failures  int
}

// New returns an idle Adapter for p.
func New(p stt.Provider, cfg Config, opts ...Option) *Adapter {
	a := &Adapter{
		provider:  p,
		cfg:       cfg.withDefaults(),
		clk:       clock.Real(),
		onResult:  func(stt.Transcript) {},
		onError:   func(*Error) {},
		onRestart: func() {},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Start opens the first session and begins listening. Calling Start while
// listening is a no-op. If the first session cannot be opened the adapter
// stays stopped and the classified error is returned.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.listening {
		a.mu.Unlock()
		slog.Debug("recognition: start ignored, already listening")
		return nil
	}
	a.listening = true
	a.gen++
	gen := a.gen
	a.failures = 0
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.queue = make(chan []byte, a.cfg.QueueSize)
	runCtx, queue := a.ctx, a.queue
	a.mu.Unlock()

	go a.forward(runCtx, queue)

	if err := a.open(runCtx, gen); err != nil {
		a.Stop()
		return NewError(err)
	}
	return nil
}

// Stop closes the current session and cancels any pending restart. Calling
// Stop while stopped is a no-op.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if !a.listening {
		a.mu.Unlock()
		return
	}
	a.listening = false
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	sess := a.sess
	a.sess = nil
	a.cancel()
	a.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			slog.Warn("recognition: close session", "err", err)
		}
	}
}

// SendAudio queues a chunk of 16-bit PCM for the current session without
// blocking. The adapter takes ownership of chunk. It returns false when the
// adapter is stopped or the queue is full; the latter counts as a drop.
func (a *Adapter) SendAudio(chunk []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.listening {
		return false
	}
	select {
	case a.queue <- chunk:
		return true
	default:
		a.dropped.Add(1)
		return false
	}
}

// SetKeywords updates the recognition hints. The live session gets them
// immediately when the engine supports it; later sessions always do.
func (a *Adapter) SetKeywords(kw []stt.KeywordBoost) {
	a.mu.Lock()
	a.cfg.Stream.Keywords = append([]stt.KeywordBoost(nil), kw...)
	sess := a.sess
	a.mu.Unlock()

	if sess == nil {
		return
	}
	if err := sess.SetKeywords(kw); err != nil {
		slog.Debug("recognition: keywords apply on next session", "err", err)
	}
}

// Listening reports whether the adapter is started.
func (a *Adapter) Listening() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listening
}

// Dropped returns the number of audio chunks discarded because the queue
// was full.
func (a *Adapter) Dropped() int64 { return a.dropped.Load() }

// Restarts returns the number of automatic reopen attempts.
func (a *Adapter) Restarts() int64 { return a.restarts.Load() }

// open starts a session for generation gen and attaches it if gen is still
// current. A session that loses the race with Stop is closed immediately.
func (a *Adapter) open(ctx context.Context, gen uint64) error {
	a.mu.Lock()
	cfg := a.cfg.Stream
	a.mu.Unlock()

	sess, err := a.provider.StartStream(ctx, cfg)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if !a.listening || a.gen != gen {
		a.mu.Unlock()
		_ = sess.Close()
		return nil
	}
	a.sess = sess
	a.mu.Unlock()

	go a.watch(sess)
	return nil
}

// forward moves queued chunks into whichever session is current. Chunks that
// arrive between sessions are discarded.
func (a *Adapter) forward(ctx context.Context, queue <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-queue:
			a.mu.Lock()
			sess := a.sess
			a.mu.Unlock()
			if sess == nil {
				continue
			}
			if err := sess.SendAudio(chunk); err != nil {
				slog.Debug("recognition: send audio", "err", err)
			}
		}
	}
}

// watch delivers final results until the session ends.
func (a *Adapter) watch(sess stt.SessionHandle) {
	go func() {
		for range sess.Partials() {
		}
	}()

	for t := range sess.Finals() {
		if len(t.Hypotheses()) == 0 || !a.isCurrent(sess) {
			continue
		}
		a.onResult(t)
	}
	a.ended(sess, sess.Err())
}

func (a *Adapter) isCurrent(sess stt.SessionHandle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listening && a.sess == sess
}

// ended handles a session that finished while it was still current.
func (a *Adapter) ended(sess stt.SessionHandle, err error) {
	a.mu.Lock()
	if !a.listening || a.sess != sess {
		a.mu.Unlock()
		return
	}
	a.sess = nil
	class := Classify(err)
	if class.Reportable() {
		a.failures++
	} else {
		a.failures = 0
	}
	delay := a.scheduleLocked()
	a.mu.Unlock()

	slog.Debug("recognition: session ended", "class", class, "err", err, "restart_in", delay)
	if class.Reportable() {
		a.onError(&Error{Class: class, Err: err})
	}
}

// scheduleLocked arms the restart timer for the current generation.
func (a *Adapter) scheduleLocked() time.Duration {
	delay := a.cfg.RestartDelay
	for i := 0; i < a.failures-1 && delay < a.cfg.MaxRestartDelay; i++ {
		delay *= 2
	}
	delay = min(delay, a.cfg.MaxRestartDelay)
	gen := a.gen
	a.timer = a.clk.AfterFunc(delay, func() { a.restart(gen) })
	return delay
}

func (a *Adapter) restart(gen uint64) {
	a.mu.Lock()
	if !a.listening || a.gen != gen {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	ctx := a.ctx
	a.mu.Unlock()

	a.restarts.Add(1)
	a.onRestart()

	err := a.open(ctx, gen)
	if err == nil {
		return
	}

	a.mu.Lock()
	if !a.listening || a.gen != gen {
		a.mu.Unlock()
		return
	}
	a.failures++
	delay := a.scheduleLocked()
	a.mu.Unlock()

	slog.Warn("recognition: restart failed", "err", err, "retry_in", delay)
	if e := NewError(err); e.Class.Reportable() {
		a.onError(e)
	}
}
