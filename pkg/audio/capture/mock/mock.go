// Package mock provides a scriptable [capture.Backend] for tests.
//
// The backend records calls and hands out [Graph] values whose frame callback
// tests drive with [Graph.Emit]. Frames emitted while suspended are dropped,
// matching a real device that is not running.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio/capture"
)

var (
	_ capture.Backend = (*Backend)(nil)
	_ capture.Graph   = (*Graph)(nil)
)

// Backend is a mock [capture.Backend].
type Backend struct {
	mu sync.Mutex

	// ProbeErr is returned by Probe.
	ProbeErr error

	// OpenErr is returned by Open.
	OpenErr error

	// ProbeCalls counts Probe invocations.
	ProbeCalls int

	// OpenCalls records the config passed to each Open.
	OpenCalls []capture.Config

	graphs []*Graph
}

// Probe implements [capture.Backend].
func (b *Backend) Probe(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ProbeCalls++
	return b.ProbeErr
}

// Open implements [capture.Backend].
func (b *Backend) Open(_ context.Context, cfg capture.Config, onFrame capture.FrameFunc) (capture.Graph, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenCalls = append(b.OpenCalls, cfg)
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	g := &Graph{onFrame: onFrame}
	b.graphs = append(b.graphs, g)
	return g, nil
}

// Last returns the most recently opened graph, or nil.
func (b *Backend) Last() *Graph {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.graphs) == 0 {
		return nil
	}
	return b.graphs[len(b.graphs)-1]
}

// Graph is a mock [capture.Graph].
type Graph struct {
	mu      sync.Mutex
	onFrame capture.FrameFunc
	running bool
	closed  bool

	// ResumeErr is returned by Resume when set.
	ResumeErr error

	SuspendCalls int
	ResumeCalls  int
	CloseCalls   int
}

// Suspend implements [capture.Graph].
func (g *Graph) Suspend() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.SuspendCalls++
	g.running = false
	return nil
}

// Resume implements [capture.Graph].
func (g *Graph) Resume() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ResumeCalls++
	if g.closed {
		return capture.ErrClosed
	}
	if g.ResumeErr != nil {
		return g.ResumeErr
	}
	g.running = true
	return nil
}

// Close implements [capture.Graph].
func (g *Graph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CloseCalls++
	g.closed = true
	g.running = false
	return nil
}

// Running reports whether the graph is resumed and not closed.
func (g *Graph) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Closed reports whether Close has been called.
func (g *Graph) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Emit delivers frame to the callback if the graph is running and reports
// whether it was delivered.
func (g *Graph) Emit(frame []float32) bool {
	g.mu.Lock()
	running, cb := g.running, g.onFrame
	g.mu.Unlock()
	if !running || cb == nil {
		return false
	}
	cb(frame)
	return true
}
