package kikebot

import (
	"context"
	"fmt"
	"google.golang.org/genai"
	"net/http"
	"strings"
)

// geminiModels is the subset of [genai.Models] used by geminiProvider
type geminiModels interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// geminiProvider generates completions with the Gemini API
type geminiProvider struct {
	name   string
	model  string
	models geminiModels
}

func newGeminiProvider(
	ctx context.Context,
	name string,
	apiKey string,
	model string,
	httpClient *http.Client,
) (*geminiProvider, error) {
	client, err := genai.NewClient(
		ctx,
		&genai.ClientConfig{
			APIKey:     apiKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: httpClient,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating gemini client: %w", err)
	}
	return &geminiProvider{name: name, model: model, models: client.Models}, nil
}

func (p *geminiProvider) Name() string {
	return p.name
}

// Generate sends the system messages as the system instruction, and the
// rest of the conversation as contents.
func (p *geminiProvider) Generate(
	ctx context.Context,
	messages []Message,
) (Completion, error) {
	completion := Completion{Provider: p.name, Model: p.model}

	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	config := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		config.SystemInstruction = genai.NewContentFromText(
			strings.Join(system, "\n\n"),
			genai.RoleUser,
		)
	}

	resp, err := p.models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return completion, fmt.Errorf("%s: %w", p.name, err)
	}
	if resp.ModelVersion != "" {
		completion.Model = resp.ModelVersion
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return completion, fmt.Errorf("%s: %w", p.name, ErrEmptyCompletion)
	}
	completion.Content = text
	return completion, nil
}
