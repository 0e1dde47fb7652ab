package kikebot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"time"
)

// Result is the outcome of one processed job
type Result struct {
	Job *Job

	// Reply is the text sent back to the job's target, if any
	Reply      string
	Completion Completion
	Err        error

	// Persona and HistoryLength describe the session after the job
	Persona       string
	HistoryLength int

	StartedAt  time.Time
	FinishedAt time.Time
}

func (r Result) OK() bool {
	return r.Err == nil
}

// processQueue pops and processes jobs one at a time, in the order they
// were queued, until ctx is done.
func (k *KikeBot) processQueue(ctx context.Context) {
	k.logger.InfoContext(ctx, "reply worker started")
	for {
		job, err := k.queue.Pop(ctx)
		if err != nil {
			k.logger.InfoContext(ctx, "reply worker stopped", tint.Err(err))
			return
		}
		k.runJob(ctx, job)
	}
}

// runJob processes job and hands the result to handleResult. The job is
// marked done even if processing panics.
func (k *KikeBot) runJob(ctx context.Context, job *Job) {
	ctx = WithLogger(ctx, k.logger.With("job", job))
	defer k.queue.Done(job)
	defer func() {
		if rc := recover(); rc != nil {
			k.handleRecover(ctx, rc)
		}
	}()

	k.handleResult(ctx, k.processJob(ctx, job))
}

func (k *KikeBot) processJob(ctx context.Context, job *Job) Result {
	result := Result{Job: job, StartedAt: time.Now()}

	switch job.Kind {
	case JobReply:
		result.Completion, result.Err = k.generateTyping(ctx, job.Target.ChannelID(), job.Text)
		if result.Err != nil {
			break
		}
		result.Reply = formatReply(job.Text, job.Target.AuthorID(), result.Completion.Content)
		result.Err = k.send(ctx, job.Target, result.Reply)
	case JobReset:
		result.Err = k.resetConversation(ctx)
		if result.Err == nil && job.Target != nil {
			result.Reply = DefaultDiscordResetText
			result.Err = k.send(ctx, job.Target, result.Reply)
		}
	case JobPersona:
		result.Completion, result.Err = k.switchPersona(ctx, job.Text, job.Target)
		if result.Err == nil && job.Target != nil {
			result.Reply = fmt.Sprintf(DefaultDiscordPersonaSwitchText, job.Text)
			result.Err = k.send(ctx, job.Target, result.Reply)
		}
	case JobStartPrompt:
		result.Completion, result.Err = k.sendStartPrompt(ctx)
		result.Reply = result.Completion.Content
	default:
		result.Err = fmt.Errorf("unknown job kind %q", job.Kind)
	}

	result.Persona = k.session.Persona()
	result.HistoryLength = k.session.History.Len()
	result.FinishedAt = time.Now()
	return result
}

// handleResult logs the result, records it in the database, and sends
// the configured error message back if the job failed.
func (k *KikeBot) handleResult(ctx context.Context, result Result) {
	logger := contextLoggerOr(ctx, k.logger)

	// the job already ran, so it's recorded even if the worker is stopping
	ctx, cancel := k.detachedContext(ctx)
	defer cancel()
	elapsed := result.FinishedAt.Sub(result.StartedAt)

	if result.OK() {
		logger.InfoContext(ctx, "job finished", "elapsed", elapsed)
	} else {
		logger.ErrorContext(ctx, "job failed", "elapsed", elapsed, tint.Err(result.Err))
		if msg := k.config.Discord.ErrorMessage; msg != "" && result.Job.Target != nil {
			if err := result.Job.Target.Send(ctx, msg); err != nil {
				logger.ErrorContext(ctx, "error sending error message", tint.Err(err))
			}
		}
	}

	if k.db != nil {
		if _, err := k.db.Create(ctx, newReplyLog(result)); err != nil {
			logger.ErrorContext(ctx, "error recording reply", tint.Err(err))
		}
	}
}

// detachedContext returns a context that outlives ctx's cancellation,
// bounded by the shutdown timeout
func (k *KikeBot) detachedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if k.config.ShutdownTimeout > 0 {
		return context.WithTimeout(ctx, k.config.ShutdownTimeout)
	}
	return context.WithCancel(ctx)
}

// generate appends text to the history as a user message, asks the
// gateway for a reply to the whole history, and appends the reply.
func (k *KikeBot) generate(ctx context.Context, text string) (Completion, error) {
	logger := contextLoggerOr(ctx, k.logger)
	history := k.session.History

	if err := history.Append(RoleUser, text); err != nil {
		logger.ErrorContext(ctx, "error saving history", tint.Err(err))
	}
	completion, err := k.gateway.Generate(ctx, history.Messages())
	if err != nil {
		return completion, err
	}
	if err = history.Append(RoleAssistant, completion.Content); err != nil {
		logger.ErrorContext(ctx, "error saving history", tint.Err(err))
	}
	return completion, nil
}

// generateTyping is generate, with the typing indicator shown in
// channelID until it returns
func (k *KikeBot) generateTyping(
	ctx context.Context,
	channelID string,
	text string,
) (Completion, error) {
	stop := k.startTyping(ctx, channelID)
	defer stop()
	return k.generate(ctx, text)
}

// send splits content to fit discord's message size limit and sends
// each chunk in order
func (k *KikeBot) send(ctx context.Context, target ReplyTarget, content string) error {
	for _, chunk := range splitMessage(content, discordMaxMessageLength) {
		if err := target.Send(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// resetConversation clears the history and returns to the default persona
func (k *KikeBot) resetConversation(ctx context.Context) error {
	if err := k.session.History.Reset(k.startingPrompt); err != nil {
		return fmt.Errorf("error resetting history: %w", err)
	}
	k.session.SetPersona(k.config.DefaultPersona)
	contextLoggerOr(ctx, k.logger).InfoContext(ctx, "conversation reset")
	return nil
}

// switchPersona resets the conversation, primes it with the persona's
// prompt, then sends the starting prompt again. The completion returned
// is the starting prompt's, or the priming call's if no starting prompt
// was sent.
func (k *KikeBot) switchPersona(
	ctx context.Context,
	name string,
	target ReplyTarget,
) (Completion, error) {
	prompt, ok := k.personas.Get(name)
	if !ok {
		return Completion{}, fmt.Errorf("%w: %s", ErrUnknownPersona, name)
	}
	if err := k.resetConversation(ctx); err != nil {
		return Completion{}, err
	}

	var channelID string
	if target != nil {
		channelID = target.ChannelID()
	}
	primed, err := k.generateTyping(ctx, channelID, prompt)
	if err != nil {
		return primed, fmt.Errorf("error priming persona %q: %w", name, err)
	}
	k.session.SetPersona(name)
	contextLoggerOr(ctx, k.logger).InfoContext(
		ctx,
		"switched persona",
		"persona", name,
		"reply", truncate(primed.Content, 100),
	)

	started, err := k.sendStartPrompt(ctx)
	if err != nil {
		return started, err
	}
	if started.Content == "" {
		return primed, nil
	}
	return started, nil
}

// sendStartPrompt generates a reply to the starting prompt and posts it
// to the configured channel, or the bound channel if none is configured.
// It's skipped if there's no starting prompt or no channel.
func (k *KikeBot) sendStartPrompt(ctx context.Context) (Completion, error) {
	logger := contextLoggerOr(ctx, k.logger)

	if k.startingPrompt == "" {
		logger.InfoContext(ctx, "no starting prompt, skipping")
		return Completion{}, nil
	}
	channelID := k.config.Discord.ChannelID
	if channelID == "" {
		channelID = k.session.BoundChannel()
	}
	if channelID == "" {
		logger.InfoContext(ctx, "no channel to send the starting prompt to, skipping")
		return Completion{}, nil
	}

	completion, err := k.generateTyping(ctx, channelID, k.startingPrompt)
	if err != nil {
		return completion, fmt.Errorf("error generating starting prompt reply: %w", err)
	}

	target := &channelTarget{session: k.discord, channelID: channelID}
	if err = k.send(ctx, target, completion.Content); err != nil {
		return completion, err
	}
	logger.InfoContext(ctx, "sent starting prompt reply", "channel_id", channelID)
	return completion, nil
}

// startTyping shows the typing indicator in the channel until the
// returned function is called
func (k *KikeBot) startTyping(ctx context.Context, channelID string) (stop func()) {
	if channelID == "" {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(k.config.Discord.TypingInterval)
		defer ticker.Stop()
		for {
			if err := k.discord.ChannelTyping(
				channelID,
				discordgo.WithContext(ctx),
			); err != nil && ctx.Err() == nil {
				k.discordLogger.DebugContext(ctx, "error sending typing indicator", tint.Err(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
