package discord

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

var _ audio.Connection = (*Connection)(nil)

const (
	inputChannelBuffer = 64

	// defaultIdleTimeout closes a participant stream that has not delivered a
	// packet for this long. Discord stops sending packets while a user is
	// silent, so the value must comfortably exceed normal speech pauses.
	defaultIdleTimeout = 2 * time.Minute
)

// Connection adapts a receive-only discordgo voice connection to
// [audio.Connection]. Incoming Opus packets are demultiplexed by SSRC, decoded
// to 48 kHz stereo PCM and delivered on one channel per SSRC. Streams that go
// quiet for longer than the idle timeout are closed and reported as
// [audio.EventLeave] with the same key they were announced with.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc      *discordgo.VoiceConnection
	guildID string

	inputsMu sync.RWMutex
	inputs   map[string]chan audio.AudioFrame
	lastSeen map[string]time.Time

	changeCb func(audio.Event)
	changeMu sync.Mutex

	idleTimeout time.Duration
	now         func() time.Time

	done      chan struct{}
	closeOnce sync.Once

	removeHandler func()
	disconnectVC  func() error
}

func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID string, idleTimeout time.Duration) *Connection {
	c := &Connection{
		vc:           vc,
		guildID:      guildID,
		inputs:       make(map[string]chan audio.AudioFrame),
		lastSeen:     make(map[string]time.Time),
		idleTimeout:  idleTimeout,
		now:          time.Now,
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}
	if c.idleTimeout <= 0 {
		c.idleTimeout = defaultIdleTimeout
	}
	if session != nil {
		c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)
	}
	go c.recvLoop()
	return c
}

// InputStreams returns a snapshot of the per-SSRC input channels.
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.inputsMu.RLock()
	defer c.inputsMu.RUnlock()
	snap := make(map[string]<-chan audio.AudioFrame, len(c.inputs))
	for id, ch := range c.inputs {
		snap[id] = ch
	}
	return snap
}

// OnParticipantChange registers cb for join and leave events, replacing any
// previous callback.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	c.changeCb = cb
}

// Disconnect leaves the voice channel and closes every input stream. Calls
// after the first are no-ops.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.removeHandler != nil {
			c.removeHandler()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}

		c.inputsMu.Lock()
		for id, ch := range c.inputs {
			close(ch)
			delete(c.inputs, id)
			delete(c.lastSeen, id)
		}
		c.inputsMu.Unlock()
	})
	return err
}

// Done is closed once Disconnect has been called.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) recvLoop() {
	decoders := make(map[uint32]*opusDecoder)
	reap := time.NewTicker(c.idleTimeout / 4)
	defer reap.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-reap.C:
			for _, key := range c.reapIdle(c.now()) {
				ssrc, _ := strconv.ParseUint(key, 10, 32)
				delete(decoders, uint32(ssrc))
				c.emitEvent(audio.Event{Type: audio.EventLeave, UserID: key})
			}
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				// The voice link dropped; Done tells the owner to reconnect.
				_ = c.Disconnect()
				return
			}
			if pkt == nil {
				continue
			}
			c.handlePacket(decoders, pkt)
		}
	}
}

func (c *Connection) handlePacket(decoders map[uint32]*opusDecoder, pkt *discordgo.Packet) {
	key := strconv.FormatUint(uint64(pkt.SSRC), 10)

	dec, ok := decoders[pkt.SSRC]
	if !ok {
		var err error
		dec, err = newOpusDecoder()
		if err != nil {
			slog.Error("discord: failed to create opus decoder", "ssrc", key, "err", err)
			return
		}
		decoders[pkt.SSRC] = dec
	}

	c.inputsMu.Lock()
	ch, exists := c.inputs[key]
	if !exists {
		ch = make(chan audio.AudioFrame, inputChannelBuffer)
		c.inputs[key] = ch
	}
	c.lastSeen[key] = c.now()
	c.inputsMu.Unlock()

	if !exists {
		c.emitEvent(audio.Event{Type: audio.EventJoin, UserID: key})
	}

	pcm, err := dec.decode(pkt.Opus)
	if err != nil {
		slog.Debug("discord: opus decode error", "ssrc", key, "err", err)
		return
	}

	frame := audio.AudioFrame{
		Data:       pcm,
		SampleRate: opusSampleRate,
		Channels:   opusChannels,
		Timestamp:  time.Duration(pkt.Timestamp) * time.Second / time.Duration(opusSampleRate),
	}
	select {
	case ch <- frame:
	default:
		// Consumer is behind; dropping keeps the receive loop real-time.
	}
}

// reapIdle closes and removes every stream idle since before now-idleTimeout
// and returns their keys.
func (c *Connection) reapIdle(now time.Time) []string {
	c.inputsMu.Lock()
	defer c.inputsMu.Unlock()

	var reaped []string
	for key, seen := range c.lastSeen {
		if now.Sub(seen) <= c.idleTimeout {
			continue
		}
		if ch, ok := c.inputs[key]; ok {
			close(ch)
			delete(c.inputs, key)
		}
		delete(c.lastSeen, key)
		reaped = append(reaped, key)
	}
	return reaped
}

func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID {
		return
	}
	channelID := c.vc.ChannelID

	username := ""
	if vsu.Member != nil && vsu.Member.User != nil {
		username = vsu.Member.User.Username
	}

	switch {
	case vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == channelID && vsu.ChannelID != channelID:
		slog.Info("discord: participant left voice channel", "user", vsu.UserID, "username", username)
	case vsu.ChannelID == channelID && (vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != channelID):
		slog.Info("discord: participant joined voice channel", "user", vsu.UserID, "username", username)
	}
}

func (c *Connection) emitEvent(ev audio.Event) {
	c.changeMu.Lock()
	cb := c.changeCb
	c.changeMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}
