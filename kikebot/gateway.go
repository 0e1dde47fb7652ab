package kikebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"time"
)

var (
	// ErrEmptyCompletion is returned when a backend responds without any
	// usable message content
	ErrEmptyCompletion = errors.New("completion has no message content")

	ErrNoProviders = errors.New("no providers configured")
)

// Completion is the text generated by a backend, and where it came from
type Completion struct {
	Content  string `json:"content"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Generator produces the assistant's next message for a conversation
type Generator interface {
	Generate(ctx context.Context, messages []Message) (Completion, error)
	Name() string
}

// Gateway sends conversations to the configured backend. Every call is
// rate limited, and bounded by the configured request timeout, if any.
type Gateway struct {
	backend        Generator
	requestLimiter *rate.Limiter
	timeout        time.Duration
	logger         *slog.Logger
}

// newGateway selects the backend: the paid OpenAI API when
// [OpenAIConfig.Enabled] is set, otherwise the provider chain.
func newGateway(
	ctx context.Context,
	config *OpenAIConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var backend Generator
	if config.Enabled {
		backend = newOpenAIProvider(
			"openai",
			config.Token,
			config.BaseURL,
			config.Model,
			httpClient,
		)
	} else {
		chain, err := newProviderChain(ctx, config, httpClient, logger)
		if err != nil {
			return nil, err
		}
		backend = chain
	}
	logger.Info("using language model backend", "backend", backend.Name())
	return NewGateway(backend, config, logger), nil
}

// NewGateway wraps backend with the rate limit and timeout from config
func NewGateway(
	backend Generator,
	config *OpenAIConfig,
	logger *slog.Logger,
) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if config.MaxRequestsPerSecond > 0 {
		limit = rate.Limit(config.MaxRequestsPerSecond)
	}
	return &Gateway{
		backend:        backend,
		requestLimiter: rate.NewLimiter(limit, 1),
		timeout:        config.RequestTimeout,
		logger:         logger,
	}
}

func (g *Gateway) Name() string {
	return g.backend.Name()
}

// Generate returns the backend's reply to the last message in messages
func (g *Gateway) Generate(
	ctx context.Context,
	messages []Message,
) (Completion, error) {
	logger := contextLoggerOr(ctx, g.logger)

	if err := g.requestLimiter.Wait(ctx); err != nil {
		return Completion{}, fmt.Errorf("rate limiter: %w", err)
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	started := time.Now()
	completion, err := g.backend.Generate(ctx, messages)
	elapsed := time.Since(started)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"generation failed",
			"backend", g.backend.Name(),
			"messages", len(messages),
			"elapsed", elapsed,
			tint.Err(err),
		)
		return completion, err
	}
	logger.InfoContext(
		ctx,
		"generated reply",
		"backend", g.backend.Name(),
		"provider", completion.Provider,
		"model", completion.Model,
		"messages", len(messages),
		"elapsed", elapsed,
	)
	return completion, nil
}
