package kikebot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync/atomic"
)

// ReplyTarget is where the outcome of a queued job is delivered. It hides
// whether the job came from a slash command, a plain message in reply-all
// mode, or from the bot itself.
type ReplyTarget interface {
	// Acknowledge tells discord the request was received and an answer
	// will follow. It's a no-op for targets that don't need it.
	Acknowledge(ctx context.Context) error

	// Send posts content, which must fit in a single discord message
	Send(ctx context.Context, content string) error

	ChannelID() string

	// AuthorID is the ID of the user who made the request, if any
	AuthorID() string
}

// interactionTarget answers a slash command with followup messages
type interactionTarget struct {
	session      DiscordSessionHandler
	interaction  *discordgo.InteractionCreate
	ephemeral    bool
	acknowledged atomic.Bool
	logger       *slog.Logger
}

func newInteractionTarget(
	session DiscordSessionHandler,
	i *discordgo.InteractionCreate,
	ephemeral bool,
	logger *slog.Logger,
) *interactionTarget {
	return &interactionTarget{
		session:     session,
		interaction: i,
		ephemeral:   ephemeral,
		logger:      logger.With(slog.Group("interaction", interactionLogAttrs(i)...)),
	}
}

func (t *interactionTarget) flags() discordgo.MessageFlags {
	if t.ephemeral {
		return discordgo.MessageFlagsEphemeral
	}
	return 0
}

func (t *interactionTarget) Acknowledge(ctx context.Context) error {
	if t.acknowledged.Load() {
		return nil
	}
	err := t.session.InteractionRespond(
		t.interaction.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: t.flags()},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		t.logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return fmt.Errorf("error acknowledging interaction: %w", err)
	}
	t.acknowledged.Store(true)
	return nil
}

func (t *interactionTarget) Send(ctx context.Context, content string) error {
	_, err := t.session.FollowupMessageCreate(
		t.interaction.Interaction,
		true,
		&discordgo.WebhookParams{Content: content, Flags: t.flags()},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error sending followup message: %w", err)
	}
	return nil
}

func (t *interactionTarget) ChannelID() string {
	return t.interaction.ChannelID
}

func (t *interactionTarget) AuthorID() string {
	if u := getDiscordUser(t.interaction); u != nil {
		return u.ID
	}
	return ""
}

// channelTarget posts plain messages to a channel. It's used for
// messages received in reply-all mode, and for jobs the bot enqueues
// itself.
type channelTarget struct {
	session   DiscordSessionHandler
	channelID string
	authorID  string
}

func (*channelTarget) Acknowledge(context.Context) error {
	return nil
}

func (t *channelTarget) Send(ctx context.Context, content string) error {
	if _, err := t.session.ChannelMessageSend(
		t.channelID,
		content,
		discordgo.WithContext(ctx),
	); err != nil {
		return fmt.Errorf("error sending message to channel %s: %w", t.channelID, err)
	}
	return nil
}

func (t *channelTarget) ChannelID() string {
	return t.channelID
}

func (t *channelTarget) AuthorID() string {
	return t.authorID
}
