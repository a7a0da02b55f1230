// Package discord provides a receive-only [audio.Platform] backed by Discord
// voice channels. It is the remote participant source for assistant-session
// mode: every speaker in the channel becomes one PCM input stream.
package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] over a discordgo session.
//
// Platform is safe for concurrent use.
type Platform struct {
	session     *discordgo.Session
	guildID     string
	idleTimeout time.Duration
	ownsSession bool
}

// Option configures a [Platform].
type Option func(*Platform)

// WithIdleTimeout sets how long a participant stream may stay silent before
// it is closed. The default is two minutes.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Platform) { p.idleTimeout = d }
}

// New wraps an existing session that is already open.
func New(session *discordgo.Session, guildID string, opts ...Option) *Platform {
	p := &Platform{session: session, guildID: guildID}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Open creates and opens a bot session for token with the voice-state intent
// and returns a Platform that owns it. Close releases the session.
func Open(token, guildID string, opts ...Option) (*Platform, error) {
	if token == "" {
		return nil, errors.New("discord: bot token is required")
	}
	if guildID == "" {
		return nil, errors.New("discord: guild id is required")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	p := New(s, guildID, opts...)
	p.ownsSession = true
	return p, nil
}

// Connect joins channelID muted (the pipeline never speaks) and undeafened.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, true, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	return newConnection(vc, p.session, p.guildID, p.idleTimeout), nil
}

// Close closes the session when the platform created it via [Open].
func (p *Platform) Close() error {
	if !p.ownsSession || p.session == nil {
		return nil
	}
	return p.session.Close()
}
