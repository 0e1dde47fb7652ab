package kikebot

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
)

const (
	DiscordSlashCommandChat     = "chat"
	DiscordSlashCommandReset    = "reset"
	DiscordSlashCommandPersona  = "persona"
	DiscordSlashCommandReplyAll = "replyall"
	DiscordSlashCommandPrivate  = "private"
	DiscordSlashCommandPublic   = "public"
	DiscordSlashCommandHelp     = "help"

	discordOptionMessage = "message"
	discordOptionPersona = "name"

	// discord allows at most 25 choices per option
	discordMaxOptionChoices = 25
)

// DiscordSessionHandler defines the methods of `discordgo.Session` used
// in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler registers an event handler, returning a function that
	// removes it
	AddHandler(handler any) func()

	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelTyping shows the typing indicator in the channel for ~10
	// seconds, or until a message is sent
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	UpdateCustomStatus(status string) error

	// SetIdentify sets the identify payload used in the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

// newDiscordSession creates (but doesn't open) a discord session with the
// given config
func newDiscordSession(
	config *DiscordConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) (*DiscordSession, error) {
	disc, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	if httpClient != nil {
		disc.Client = httpClient
	}

	session := &DiscordSession{session: disc, logger: logger}
	identify := disc.Identify
	identify.Intents = config.GatewayIntents
	session.SetIdentify(identify)
	if config.DiscordGoLogLevel != nil {
		session.SetLogLevel(config.DiscordGoLogLevel.Level())
	}
	return session, nil
}

func (d *DiscordSession) Open() error {
	return d.session.Open()
}

func (d *DiscordSession) Close() error {
	return d.session.Close()
}

func (d *DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d *DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, content, options...)
}

func (d *DiscordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d *DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d *DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageCreate(interaction, wait, data, options...)
}

func (d *DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d *DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d *DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d *DiscordSession) SetLogLevel(lvl slog.Level) {
	d.session.LogLevel = discordgoLogLevel(lvl)
}

// appCommands returns the bot's slash commands. The persona option's
// choices are built from personaNames.
func appCommands(personaNames []string) []*discordgo.ApplicationCommand {
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(personaNames))
	for _, name := range personaNames {
		if len(choices) == discordMaxOptionChoices {
			break
		}
		choices = append(
			choices,
			&discordgo.ApplicationCommandOptionChoice{Name: name, Value: name},
		)
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:        DiscordSlashCommandChat,
			Description: "Have a chat with me",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        discordOptionMessage,
					Description: "What would you like to say?",
					Required:    true,
				},
			},
		},
		{
			Name:        DiscordSlashCommandReset,
			Description: "Clear the conversation history",
		},
		{
			Name:        DiscordSlashCommandPersona,
			Description: "Switch to another persona (this clears the conversation history)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        discordOptionPersona,
					Description: "Persona to switch to",
					Required:    true,
					Choices:     choices,
				},
			},
		},
		{
			Name:        DiscordSlashCommandReplyAll,
			Description: "Toggle replying to every message in the reply-all channel",
		},
		{
			Name:        DiscordSlashCommandPrivate,
			Description: "Only you will see my replies",
		},
		{
			Name:        DiscordSlashCommandPublic,
			Description: "Everyone will see my replies",
		},
		{
			Name:        DiscordSlashCommandHelp,
			Description: "Show what I can do",
		},
	}
}

// ephemeralResponse is an immediate reply only the invoking user can see
func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}
