package kikebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"io/fs"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// discordgo's logger is package-global, so it's only set by the first bot
var discordgoLoggerOnce sync.Once

// KikeBot is the Discord bot. It owns the conversation [Session], the
// reply queue and its worker, and the connection to Discord.
type KikeBot struct {
	config *Config
	logger *slog.Logger

	session        *Session
	personas       *PersonaStore
	startingPrompt string

	queue   *ReplyQueue
	gateway Generator

	discord       DiscordSessionHandler
	discordLogger *slog.Logger

	// db is nil when no database is configured
	db  DBI
	api *API

	botUserID         atomic.Value
	connected         atomic.Bool
	startPromptQueued atomic.Bool

	removeHandlerFuncs []func()
	runMu              sync.Mutex
}

// New validates the config and builds the bot. Nothing connects to
// Discord until [KikeBot.Run] is called.
func New(config *Config) (*KikeBot, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	ctx := context.Background()

	k := &KikeBot{
		config: config,
		logger: newLogger("kikebot", config.LogLevel),
	}
	k.botUserID.Store("")

	k.startingPrompt = ReadStartingPrompt(config.SystemPromptFile, k.logger)

	var extraPersonas map[string]string
	if config.PersonasFile != "" {
		personas, err := LoadPersonas(config.PersonasFile)
		if err != nil {
			return nil, err
		}
		extraPersonas = personas
	}
	k.personas = NewPersonaStore(extraPersonas)
	if !k.personas.Has(config.DefaultPersona) {
		return nil, fmt.Errorf("default persona: %w: %s", ErrUnknownPersona, config.DefaultPersona)
	}

	history := NewHistory(config.HistoryFile, k.logger.With("component", "history"))
	history.Load()
	if err := history.EnsureSystemPrompt(k.startingPrompt); err != nil {
		k.logger.Error("error saving history", tint.Err(err))
	}
	k.session = NewSession(
		history,
		config.DefaultPersona,
		config.Discord.ReplyingAll,
		config.Discord.Private,
	)

	k.queue = NewReplyQueue(config.Queue, k.logger.With("component", "queue"))

	gateway, err := newGateway(
		ctx,
		config.OpenAI,
		config.HTTPClient,
		newLogger("openai", config.OpenAI.LogLevel),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating language model gateway: %w", err)
	}
	k.gateway = gateway

	if config.Database != "" {
		dbLogger := newLogger("database", config.DatabaseLogLevel)
		db, err := CreateDB(
			ctx,
			config.DatabaseType,
			config.Database,
			dbLogger,
			config.DatabaseSlowThreshold,
		)
		if err != nil {
			return nil, fmt.Errorf("error creating database: %w", err)
		}
		k.db = NewDatabase(db, dbLogger)
	}

	k.discordLogger = newLogger("discord", config.Discord.LogLevel)
	discordgoLoggerOnce.Do(
		func() {
			discordgo.Logger = discordgoLoggerFunc(
				ctx,
				newLogger("discordgo", config.Discord.DiscordGoLogLevel).Handler(),
			)
		},
	)
	session, err := newDiscordSession(config.Discord, config.HTTPClient, k.discordLogger)
	if err != nil {
		return nil, err
	}
	k.discord = session

	if config.API.Enabled {
		k.api, err = newAPI(k, config.API)
		if err != nil {
			return nil, fmt.Errorf("error creating api: %w", err)
		}
	}

	return k, nil
}

// ReadStartingPrompt returns the trimmed contents of path, or an empty string
// if it can't be read
func ReadStartingPrompt(path string, logger *slog.Logger) string {
	if path == "" {
		logger.Info("no system prompt file configured")
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Info("system prompt file not found", "path", path)
		} else {
			logger.Error("error reading system prompt file", "path", path, tint.Err(err))
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Session returns the bot's conversation state
func (k *KikeBot) Session() *Session {
	return k.session
}

func (k *KikeBot) Personas() *PersonaStore {
	return k.personas
}

// Run connects to Discord and processes requests until ctx is canceled.
func (k *KikeBot) Run(ctx context.Context) error {
	if !k.runMu.TryLock() {
		return errors.New("already running")
	}
	defer k.runMu.Unlock()

	logger := k.logger
	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", k.config))

	k.addHandlers()

	startCtx, startCancel := context.WithTimeout(ctx, k.config.StartupTimeout)
	defer startCancel()
	if err := k.connect(startCtx); err != nil {
		k.removeHandlers()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			k.processQueue(gctx)
			return nil
		},
	)
	if k.api != nil {
		g.Go(
			func() error {
				return k.api.Serve(gctx)
			},
		)
	}

	<-gctx.Done()
	logger.Info("shutting down")
	k.shutdown()

	err := g.Wait()
	logger.Info("stopped", tint.Err(err))
	return err
}

// connect opens the gateway connection, registers slash commands and
// sets the bot's status. It gives up when ctx is done.
func (k *KikeBot) connect(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := k.discord.Open(); err != nil {
			errCh <- fmt.Errorf("error connecting to discord: %w", err)
			return
		}
		if _, err := k.registerCommands(ctx); err != nil {
			errCh <- err
			return
		}
		if status := k.config.Discord.CustomStatus; status != "" {
			if err := k.discord.UpdateCustomStatus(status); err != nil {
				k.discordLogger.Warn("error setting custom status", tint.Err(err))
			}
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		_ = k.discord.Close()
		return fmt.Errorf("startup timed out: %w", ctx.Err())
	}
}

func (k *KikeBot) shutdown() {
	k.removeHandlers()
	if cleared := k.queue.Clear(); len(cleared) > 0 {
		k.logger.Warn("discarding pending jobs", "count", len(cleared))
		k.notifyDiscarded(cleared)
	}
	if err := k.discord.Close(); err != nil {
		k.discordLogger.Error("error closing discord session", tint.Err(err))
	}
}

// notifyDiscarded sends the configured error message to the targets of
// jobs that were dropped without being processed, so acknowledged
// interactions don't wait forever
func (k *KikeBot) notifyDiscarded(jobs []*Job) {
	msg := k.config.Discord.ErrorMessage
	if msg == "" {
		return
	}
	ctx, cancel := k.detachedContext(context.Background())
	defer cancel()
	for _, job := range jobs {
		if job.Target == nil {
			continue
		}
		if err := job.Target.Send(ctx, msg); err != nil {
			k.logger.ErrorContext(
				ctx,
				"error notifying discarded job",
				"job", job,
				tint.Err(err),
			)
		}
	}
}

func (k *KikeBot) addHandlers() {
	k.removeHandlerFuncs = append(
		k.removeHandlerFuncs,
		k.discord.AddHandler(k.handleReady),
		k.discord.AddHandler(k.handleConnect),
		k.discord.AddHandler(k.handleDisconnect),
		k.discord.AddHandler(k.handleInteractionCreate),
		k.discord.AddHandler(k.handleMessageCreate),
	)
}

func (k *KikeBot) removeHandlers() {
	for _, remove := range k.removeHandlerFuncs {
		if remove != nil {
			remove()
		}
	}
	k.removeHandlerFuncs = nil
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (k *KikeBot) registerCommands(ctx context.Context) ([]*discordgo.ApplicationCommand, error) {
	appID := k.config.Discord.ApplicationID
	if appID == "" {
		appID = k.botUserID.Load().(string)
	}
	if appID == "" {
		return nil, errors.New("application ID unknown, set discord.application_id")
	}
	created, err := k.discord.ApplicationCommandBulkOverwrite(
		appID,
		k.config.Discord.GuildID,
		appCommands(k.personas.Names()),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return created, fmt.Errorf("error registering commands: %w", err)
	}
	return created, nil
}

func (k *KikeBot) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User != nil {
		k.botUserID.Store(r.User.ID)
		k.discordLogger.Info(
			"ready",
			"session_id", r.SessionID,
			slog.Group("user", "id", r.User.ID, "username", r.User.Username),
		)
	}
	if k.startPromptQueued.CompareAndSwap(false, true) {
		k.enqueue(context.Background(), JobStartPrompt, k.startingPrompt, nil)
	}
}

func (k *KikeBot) handleConnect(_ *discordgo.Session, _ *discordgo.Connect) {
	k.connected.Store(true)
	k.discordLogger.Info("connected")
}

func (k *KikeBot) handleDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	k.connected.Store(false)
	k.discordLogger.Info("disconnected")
}

func (k *KikeBot) handleInteractionCreate(
	_ *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	logger := k.discordLogger.With(slog.Group("interaction", interactionLogAttrs(i)...))
	ctx := WithLogger(context.Background(), logger)
	defer func() {
		if rc := recover(); rc != nil {
			k.handleRecover(ctx, rc)
		}
	}()

	data := i.ApplicationCommandData()
	logger.InfoContext(ctx, "received command", "command", data.Name)
	options := discordInteractionOptions(i)

	switch data.Name {
	case DiscordSlashCommandChat:
		if k.session.ReplyingAll() {
			k.replyEphemeral(ctx, i, DefaultDiscordReplyAllNotice)
			return
		}
		var message string
		if opt, ok := options[discordOptionMessage]; ok {
			message = opt.StringValue()
		}
		if strings.TrimSpace(message) == "" {
			k.replyEphemeral(ctx, i, "> **WARN: there's nothing to reply to.**")
			return
		}
		target := newInteractionTarget(k.discord, i, k.session.Private(), logger)
		k.enqueue(ctx, JobReply, message, target)
	case DiscordSlashCommandReset:
		target := newInteractionTarget(k.discord, i, true, logger)
		k.enqueue(ctx, JobReset, "", target)
	case DiscordSlashCommandPersona:
		var name string
		if opt, ok := options[discordOptionPersona]; ok {
			name = opt.StringValue()
		}
		if !k.personas.Has(name) {
			k.replyEphemeral(
				ctx,
				i,
				fmt.Sprintf(
					"> **WARN: unknown persona %q. Available: %s**",
					name,
					strings.Join(k.personas.Names(), ", "),
				),
			)
			return
		}
		target := newInteractionTarget(k.discord, i, k.session.Private(), logger)
		k.enqueue(ctx, JobPersona, name, target)
	case DiscordSlashCommandReplyAll:
		k.session.BindChannel(i.ChannelID)
		if k.session.ToggleReplyingAll() {
			k.replyEphemeral(
				ctx,
				i,
				fmt.Sprintf(
					"> **INFO: I'll now reply to every message in <#%s>. "+
						"Use `/replyall` again to switch back to slash commands.**",
					k.replyAllChannel(),
				),
			)
		} else {
			k.replyEphemeral(ctx, i, "> **INFO: back to slash commands. Use `/chat` to talk to me.**")
		}
	case DiscordSlashCommandPrivate:
		k.session.SetPrivate(true)
		k.replyEphemeral(ctx, i, "> **INFO: my replies are now private. Use `/public` to switch back.**")
	case DiscordSlashCommandPublic:
		k.session.SetPrivate(false)
		k.replyEphemeral(ctx, i, "> **INFO: my replies are now public. Use `/private` to switch back.**")
	case DiscordSlashCommandHelp:
		k.replyEphemeral(ctx, i, k.helpText())
	default:
		logger.WarnContext(ctx, "unknown command", "command", data.Name)
	}
}

// handleMessageCreate enqueues plain messages sent to the reply-all
// channel while reply-all mode is on
func (k *KikeBot) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == k.botUserID.Load().(string) {
		return
	}
	if !k.session.ReplyingAll() || m.ChannelID != k.replyAllChannel() {
		return
	}
	if strings.TrimSpace(m.Content) == "" {
		return
	}
	logger := k.discordLogger.With(
		slog.Group(
			"message",
			"id", m.ID,
			"channel_id", m.ChannelID,
			"author_id", m.Author.ID,
		),
	)
	ctx := WithLogger(context.Background(), logger)
	target := &channelTarget{
		session:   k.discord,
		channelID: m.ChannelID,
		authorID:  m.Author.ID,
	}
	k.enqueue(ctx, JobReply, m.Content, target)
}

// replyAllChannel is the channel watched in reply-all mode: the configured
// one, or else the channel the bot was last addressed in
func (k *KikeBot) replyAllChannel() string {
	if channelID := k.config.Discord.ReplyingAllChannelID; channelID != "" {
		return channelID
	}
	return k.session.BoundChannel()
}

// enqueue binds the session to the target's channel, acknowledges the
// request and queues it for the worker. It never blocks on generation.
func (k *KikeBot) enqueue(
	ctx context.Context,
	kind JobKind,
	text string,
	target ReplyTarget,
) *Job {
	if target != nil {
		k.session.BindChannel(target.ChannelID())
		if err := target.Acknowledge(ctx); err != nil {
			contextLoggerOr(ctx, k.logger).WarnContext(
				ctx,
				"unable to acknowledge request",
				tint.Err(err),
			)
		}
	}
	job := NewJob(kind, text, target)
	k.queue.Push(ctx, job)
	return job
}

// replyEphemeral sends an immediate ephemeral response to an interaction
func (k *KikeBot) replyEphemeral(ctx context.Context, i *discordgo.InteractionCreate, content string) {
	if err := k.discord.InteractionRespond(
		i.Interaction,
		ephemeralResponse(content),
		discordgo.WithContext(ctx),
	); err != nil {
		contextLoggerOr(ctx, k.discordLogger).ErrorContext(
			ctx,
			"error responding to interaction",
			tint.Err(err),
		)
	}
}

func (k *KikeBot) helpText() string {
	return fmt.Sprintf(
		"**Commands**\n"+
			"- `/chat [message]` talk to me\n"+
			"- `/reset` clear the conversation\n"+
			"- `/persona [name]` switch persona (current: **%s**, available: %s)\n"+
			"- `/replyall` toggle replying to every message in the reply-all channel\n"+
			"- `/private` only you see my replies\n"+
			"- `/public` everyone sees my replies",
		k.session.Persona(),
		strings.Join(k.personas.Names(), ", "),
	)
}

func (*KikeBot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	var err error
	switch v := rc.(type) {
	case error:
		err = v
	case string:
		err = errors.New(v)
	default:
		err = fmt.Errorf("%v", v)
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		tint.Err(err),
		"stack_trace", stackTrace,
	)
}

// status summarizes the bot's state for the health endpoint
func (k *KikeBot) status() botStatus {
	return botStatus{
		Connected:     k.connected.Load(),
		Persona:       k.session.Persona(),
		HistoryLength: k.session.History.Len(),
		QueueLength:   k.queue.Len(),
		ReplyingAll:   k.session.ReplyingAll(),
		Backend:       k.gateway.Name(),
		Version:       Version,
		CheckedAt:     time.Now().UTC(),
	}
}

type botStatus struct {
	Connected     bool      `json:"connected"`
	Persona       string    `json:"persona"`
	HistoryLength int       `json:"history_length"`
	QueueLength   int       `json:"queue_length"`
	ReplyingAll   bool      `json:"replying_all"`
	Backend       string    `json:"backend"`
	Version       string    `json:"version"`
	CheckedAt     time.Time `json:"checked_at"`
}
