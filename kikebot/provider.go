package kikebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"strings"
)

// ProviderChain tries each provider in order, returning the first
// successful completion. The order is fixed; providers are never shuffled.
type ProviderChain struct {
	providers []Generator
	logger    *slog.Logger
}

func NewProviderChain(logger *slog.Logger, providers ...Generator) *ProviderChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderChain{providers: providers, logger: logger}
}

// newProviderChain builds the chain described by [OpenAIConfig.Providers]
func newProviderChain(
	ctx context.Context,
	config *OpenAIConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) (*ProviderChain, error) {
	if len(config.Providers) == 0 {
		return nil, ErrNoProviders
	}
	if logger == nil {
		logger = slog.Default()
	}
	providers := make([]Generator, 0, len(config.Providers))
	for _, pc := range config.Providers {
		model := pc.Model
		if model == "" {
			model = config.Model
		}
		switch pc.Type {
		case ProviderTypeOpenAI:
			providers = append(
				providers,
				newOpenAIProvider(pc.Name, pc.Token, pc.BaseURL, model, httpClient),
			)
		case ProviderTypeGemini:
			if pc.Model == "" {
				model = DefaultGeminiModel
			}
			p, err := newGeminiProvider(ctx, pc.Name, pc.Token, model, httpClient)
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
			}
			providers = append(providers, p)
		default:
			return nil, fmt.Errorf("provider %q: unknown type %q", pc.Name, pc.Type)
		}
		logger.Debug("added provider", "provider", pc)
	}
	return NewProviderChain(logger, providers...), nil
}

func (c *ProviderChain) Name() string {
	names := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		names = append(names, p.Name())
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

func (c *ProviderChain) Generate(
	ctx context.Context,
	messages []Message,
) (Completion, error) {
	if len(c.providers) == 0 {
		return Completion{}, ErrNoProviders
	}
	logger := contextLoggerOr(ctx, c.logger)

	var errs []error
	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		completion, err := p.Generate(ctx, messages)
		if err == nil {
			return completion, nil
		}
		logger.WarnContext(ctx, "provider failed", "provider", p.Name(), tint.Err(err))
		errs = append(errs, err)
	}
	return Completion{}, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}
