package kikebot

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestProviderChain_FirstSuccessWins(t *testing.T) {
	t.Parallel()

	first := &fakeGenerator{
		name:    "first",
		respond: func([]Message) (string, error) { return "", errors.New("first is down") },
	}
	second := &fakeGenerator{
		name:    "second",
		respond: func([]Message) (string, error) { return "hola", nil },
	}
	third := &fakeGenerator{name: "third"}

	chain := NewProviderChain(nil, first, second, third)
	assert.Equal(t, "chain(first,second,third)", chain.Name())

	completion, err := chain.Generate(
		context.Background(),
		[]Message{{Role: RoleUser, Content: "hola"}},
	)
	require.NoError(t, err)
	assert.Equal(t, "hola", completion.Content)
	assert.Equal(t, "second", completion.Provider)

	assert.Len(t, first.Calls(), 1)
	assert.Len(t, second.Calls(), 1)
	assert.Empty(t, third.Calls())
}

func TestProviderChain_AllFail(t *testing.T) {
	t.Parallel()

	errA := errors.New("a failed")
	errB := errors.New("b failed")
	chain := NewProviderChain(
		nil,
		&fakeGenerator{name: "a", respond: func([]Message) (string, error) { return "", errA }},
		&fakeGenerator{name: "b", respond: func([]Message) (string, error) { return "", errB }},
	)

	completion, err := chain.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hola"}})
	require.Error(t, err)
	assert.Empty(t, completion.Content)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.ErrorContains(t, err, "all providers failed")
}

func TestProviderChain_StopsWhenCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	first := &fakeGenerator{
		name: "first",
		respond: func([]Message) (string, error) {
			cancel()
			return "", context.Canceled
		},
	}
	second := &fakeGenerator{name: "second"}

	_, err := NewProviderChain(nil, first, second).Generate(
		ctx,
		[]Message{{Role: RoleUser, Content: "hola"}},
	)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, second.Calls())
}

func TestProviderChain_Empty(t *testing.T) {
	t.Parallel()

	_, err := NewProviderChain(nil).Generate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoProviders)
}

func TestNewProviderChain(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig().OpenAI
	cfg.Providers = []ProviderConfig{
		{Name: "local", Type: ProviderTypeOpenAI, BaseURL: DefaultG4FBaseURL},
		{Name: "groq", Type: ProviderTypeOpenAI, BaseURL: "https://api.groq.com/openai/v1", Token: "groq-key", Model: "llama-3.1-8b-instant"},
		{Name: "gemini", Type: ProviderTypeGemini, Token: "gemini-key"},
	}

	chain, err := newProviderChain(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "chain(local,groq,gemini)", chain.Name())
	require.Len(t, chain.providers, 3)

	local := chain.providers[0].(*openAIProvider)
	assert.Equal(t, DefaultOpenAIModel, local.model)

	groq := chain.providers[1].(*openAIProvider)
	assert.Equal(t, "llama-3.1-8b-instant", groq.model)

	gemini := chain.providers[2].(*geminiProvider)
	assert.Equal(t, DefaultGeminiModel, gemini.model)
}

func TestNewProviderChain_Errors(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig().OpenAI
	cfg.Providers = nil
	_, err := newProviderChain(context.Background(), cfg, nil, nil)
	assert.ErrorIs(t, err, ErrNoProviders)

	cfg.Providers = []ProviderConfig{{Name: "bard", Type: "bard"}}
	_, err = newProviderChain(context.Background(), cfg, nil, nil)
	assert.ErrorContains(t, err, `unknown type "bard"`)
}
