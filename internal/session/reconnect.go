// Package session keeps the remote participant connection alive for
// assistant-session mode.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/earshot/internal/clock"
	"github.com/MrWong99/earshot/pkg/audio"
)

// Reconnection defaults.
const (
	DefaultMaxRetries = 10
	DefaultBackoff    = time.Second
	DefaultMaxBackoff = 30 * time.Second
)

// ErrStopped is returned by Connect after Stop.
var ErrStopped = errors.New("session: reconnector stopped")

// ReconnectorConfig configures a [Reconnector]. Zero values take defaults.
type ReconnectorConfig struct {
	Platform  audio.Platform
	ChannelID string

	// MaxRetries bounds the attempts of one reconnection cycle. Default 10.
	MaxRetries int

	// Backoff is the first wait between attempts. It doubles up to
	// MaxBackoff. Defaults 1s and 30s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// Clock schedules the waits. Default [clock.Real].
	Clock clock.Clock

	// OnReconnect receives every new connection after a drop.
	OnReconnect func(audio.Connection)

	// OnGiveUp is called when a cycle exhausts MaxRetries.
	OnGiveUp func(err error)
}

// Stats describe the reconnector for status reporting.
type Stats struct {
	Connected  bool   `json:"connected"`
	ChannelID  string `json:"channelId"`
	Drops      int    `json:"drops"`
	Reconnects int    `json:"reconnects"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"lastError,omitempty"`
}

// Reconnector owns the connection to one voice channel. After
// NotifyDisconnect it reconnects with exponential backoff and hands the new
// connection to OnReconnect. It is safe for concurrent use.
type Reconnector struct {
	cfg ReconnectorConfig

	mu      sync.Mutex
	conn    audio.Connection
	stats   Stats
	stopped bool

	drops    chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewReconnector returns an unconnected Reconnector.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.Backoff)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.OnReconnect == nil {
		cfg.OnReconnect = func(audio.Connection) {}
	}
	if cfg.OnGiveUp == nil {
		cfg.OnGiveUp = func(error) {}
	}
	return &Reconnector{
		cfg:   cfg,
		stats: Stats{ChannelID: cfg.ChannelID},
		drops: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Connect makes the initial connection.
func (r *Reconnector) Connect(ctx context.Context) (audio.Connection, error) {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}

	conn, err := r.cfg.Platform.Connect(ctx, r.cfg.ChannelID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Attempts++
	if err != nil {
		r.stats.LastError = err.Error()
		return nil, fmt.Errorf("session: connect %s: %w", r.cfg.ChannelID, err)
	}
	r.conn = conn
	r.stats.Connected = true
	r.stats.LastError = ""
	return conn, nil
}

// Run handles drops until ctx is done or Stop is called.
func (r *Reconnector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.done:
			return nil
		case <-r.drops:
			r.reconnect(ctx)
		}
	}
}

// NotifyDisconnect reports a dropped connection. Repeated calls before the
// drop is handled are coalesced.
func (r *Reconnector) NotifyDisconnect() {
	r.mu.Lock()
	r.stats.Connected = false
	r.stats.Drops++
	r.mu.Unlock()
	select {
	case r.drops <- struct{}{}:
	default:
	}
}

// Stop ends Run and disconnects. Later calls are no-ops.
func (r *Reconnector) Stop() error {
	var conn audio.Connection
	r.stopOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		r.stopped = true
		conn = r.conn
		r.conn = nil
		r.stats.Connected = false
		r.mu.Unlock()
	})
	if conn != nil {
		return conn.Disconnect()
	}
	return nil
}

// Connection returns the live connection, or nil while reconnecting.
func (r *Reconnector) Connection() audio.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// Stats returns a snapshot of the counters.
func (r *Reconnector) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Reconnector) reconnect(ctx context.Context) {
	wait := r.cfg.Backoff
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil || r.isStopped() {
			return
		}
		slog.Info("session: reconnecting", "channel", r.cfg.ChannelID, "attempt", attempt, "max", r.cfg.MaxRetries)

		conn, err := r.cfg.Platform.Connect(ctx, r.cfg.ChannelID)
		if err == nil && r.install(conn) {
			slog.Info("session: reconnected", "channel", r.cfg.ChannelID, "attempt", attempt)
			r.cfg.OnReconnect(conn)
			return
		}
		if err == nil {
			// Stopped while connecting.
			_ = conn.Disconnect()
			return
		}
		lastErr = err
		r.mu.Lock()
		r.stats.Attempts++
		r.stats.LastError = err.Error()
		r.mu.Unlock()
		slog.Warn("session: reconnect failed", "channel", r.cfg.ChannelID, "attempt", attempt, "err", err, "retry_in", wait)

		if attempt == r.cfg.MaxRetries || !r.sleep(ctx, wait) {
			break
		}
		wait = min(wait*2, r.cfg.MaxBackoff)
	}
	if ctx.Err() != nil || r.isStopped() {
		return
	}
	err := fmt.Errorf("session: gave up on %s after %d attempts: %w", r.cfg.ChannelID, r.cfg.MaxRetries, lastErr)
	slog.Error("session: reconnect exhausted", "channel", r.cfg.ChannelID, "err", lastErr)
	r.cfg.OnGiveUp(err)
}

// install swaps in conn and disconnects the dropped connection.
func (r *Reconnector) install(conn audio.Connection) bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	old := r.conn
	r.conn = conn
	r.stats.Attempts++
	r.stats.Reconnects++
	r.stats.Connected = true
	r.stats.LastError = ""
	r.mu.Unlock()
	if old != nil && old != conn {
		_ = old.Disconnect()
	}
	return true
}

func (r *Reconnector) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// sleep waits d on the configured clock. It returns false when ctx or Stop
// ended the wait.
func (r *Reconnector) sleep(ctx context.Context, d time.Duration) bool {
	elapsed := make(chan struct{})
	t := r.cfg.Clock.AfterFunc(d, func() { close(elapsed) })
	defer t.Stop()
	select {
	case <-elapsed:
		return true
	case <-ctx.Done():
		return false
	case <-r.done:
		return false
	}
}
