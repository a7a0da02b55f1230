// Package mock provides in-memory implementations of [audio.Platform] and
// [audio.Connection] for unit tests.
//
// The mocks are safe for concurrent use and record every call.
//
//	conn := mock.NewConnection()
//	ch := conn.AddStream("user-1")
//	platform := &mock.Platform{ConnectResult: conn}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock [audio.Connection]. Streams are added with AddStream
// and events are injected with EmitEvent.
type Connection struct {
	mu sync.Mutex

	streams map[string]chan audio.AudioFrame
	cb      func(audio.Event)

	// DisconnectError is returned by Disconnect.
	DisconnectError error

	// CallCountInputStreams records how many times InputStreams was called.
	CallCountInputStreams int

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	disconnected bool
}

// NewConnection returns an empty mock connection.
func NewConnection() *Connection {
	return &Connection{streams: make(map[string]chan audio.AudioFrame)}
}

// AddStream registers a buffered input stream for id and returns its write end.
func (c *Connection) AddStream(id string) chan audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streams == nil {
		c.streams = make(map[string]chan audio.AudioFrame)
	}
	ch := make(chan audio.AudioFrame, 64)
	c.streams[id] = ch
	return ch
}

// RemoveStream closes and forgets the stream for id.
func (c *Connection) RemoveStream(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.streams[id]; ok {
		close(ch)
		delete(c.streams, id)
	}
}

// InputStreams implements [audio.Connection].
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountInputStreams++
	snap := make(map[string]<-chan audio.AudioFrame, len(c.streams))
	for id, ch := range c.streams {
		snap[id] = ch
	}
	return snap
}

// OnParticipantChange implements [audio.Connection].
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

// EmitEvent synchronously invokes the registered callback, if any.
func (c *Connection) EmitEvent(ev audio.Event) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// Disconnect implements [audio.Connection]. The first call closes all
// streams; every call returns DisconnectError.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	if !c.disconnected {
		c.disconnected = true
		for id, ch := range c.streams {
			close(ch)
			delete(c.streams, id)
		}
	}
	return c.DisconnectError
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// Platform is a mock [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is returned by Connect.
	ConnectResult audio.Connection

	// ConnectError is returned by Connect.
	ConnectError error

	// ConnectCalls records the channel ID of each Connect call.
	ConnectCalls []string
}

// Connect implements [audio.Platform].
func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, channelID)
	return p.ConnectResult, p.ConnectError
}

// CallCount returns the number of Connect calls so far.
func (p *Platform) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}
