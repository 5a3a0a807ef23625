package discord

import (
	"context"
	"errors"
)

// ErrAudioUnavailable is returned when no audio pipeline is deployed.
var ErrAudioUnavailable = errors.New("audio pipeline unavailable")

// AudioPipeline streams a channel's audio into a guild's voice channel.
// Only start and stop per guild are required of it.
type AudioPipeline interface {
	Start(ctx context.Context, guildID, channel string, browser bool) error
	Stop(ctx context.Context, guildID string) error
}

// Unavailable is the AudioPipeline of deployments without one.
type Unavailable struct{}

func (Unavailable) Start(context.Context, string, string, bool) error { return ErrAudioUnavailable }
func (Unavailable) Stop(context.Context, string) error                { return ErrAudioUnavailable }
