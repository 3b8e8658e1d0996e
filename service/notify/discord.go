package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// discordAPI is the subset of *discordgo.Session the sink uses.
type discordAPI interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// maxDiscordMessage is Discord's content length limit.
const maxDiscordMessage = 2000

// DiscordSink delivers messages through the Discord REST API. DMs are sent by
// opening (or reusing) the user's private channel.
type DiscordSink struct {
	api discordAPI
}

// NewDiscordSink creates a sink authenticated with a bot token. Only REST
// calls are made; no gateway connection is opened.
func NewDiscordSink(botToken string) (*DiscordSink, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	return &DiscordSink{api: session}, nil
}

// Name returns the sink identifier.
func (d *DiscordSink) Name() string {
	return "discord"
}

// Notify posts message to the target, truncated to Discord's length limit.
func (d *DiscordSink) Notify(ctx context.Context, target Target, message string) error {
	if len(message) > maxDiscordMessage {
		message = message[:maxDiscordMessage-3] + "..."
	}

	channelID := target.ID
	if target.Kind == KindDM {
		ch, err := d.api.UserChannelCreate(target.ID, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("discord: open DM with %s: %w", target.ID, err)
		}
		channelID = ch.ID
	}

	if _, err := d.api.ChannelMessageSend(channelID, message, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: send to %s: %w", target, err)
	}
	return nil
}
