package kikebot

import (
	"context"
	"fmt"
	"github.com/sashabaranov/go-openai"
	"net/http"
	"strings"
)

// OpenAIClient is the subset of [openai.Client] used here, to allow
// mocking in tests.
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// openAIProvider generates completions with the OpenAI chat completions
// API, or any endpoint compatible with it.
type openAIProvider struct {
	name   string
	model  string
	client OpenAIClient
}

func newOpenAIProvider(
	name string,
	token string,
	baseURL string,
	model string,
	httpClient *http.Client,
) *openAIProvider {
	clientCfg := openai.DefaultConfig(token)
	if baseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	return &openAIProvider{
		name:   name,
		model:  model,
		client: openai.NewClientWithConfig(clientCfg),
	}
}

func (p *openAIProvider) Name() string {
	return p.name
}

func (p *openAIProvider) Generate(
	ctx context.Context,
	messages []Message,
) (Completion, error) {
	completion := Completion{Provider: p.name, Model: p.model}

	resp, err := p.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:    p.model,
			Messages: openAIMessages(messages),
		},
	)
	if err != nil {
		return completion, fmt.Errorf("%s: %w", p.name, err)
	}
	if resp.Model != "" {
		completion.Model = resp.Model
	}
	if len(resp.Choices) == 0 {
		return completion, fmt.Errorf("%s: %w", p.name, ErrEmptyCompletion)
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return completion, fmt.Errorf("%s: %w", p.name, ErrEmptyCompletion)
	}
	completion.Content = content
	return completion, nil
}

func openAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(
			out,
			openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content},
		)
	}
	return out
}
