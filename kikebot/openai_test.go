package kikebot

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"testing"
)

type mockOpenAIClient struct {
	mock.Mock
}

func (m *mockOpenAIClient) CreateChatCompletion(
	ctx context.Context,
	req openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(openai.ChatCompletionResponse), args.Error(1)
}

func newMockOpenAIProvider(client OpenAIClient) *openAIProvider {
	return &openAIProvider{name: "openai", model: DefaultOpenAIModel, client: client}
}

func chatResponse(model string, content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		ID:    "chatcmpl-123",
		Model: model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: content,
				},
				FinishReason: openai.FinishReasonStop,
			},
		},
	}
}

func TestOpenAIProvider_Generate(t *testing.T) {
	t.Parallel()

	client := &mockOpenAIClient{}
	p := newMockOpenAIProvider(client)
	messages := []Message{
		{Role: RoleSystem, Content: "Eres Kike."},
		{Role: RoleUser, Content: "hola"},
		{Role: RoleAssistant, Content: "¡Hola!"},
		{Role: RoleUser, Content: "¿Cómo estás?"},
	}

	client.On(
		"CreateChatCompletion",
		mock.Anything,
		openai.ChatCompletionRequest{
			Model: DefaultOpenAIModel,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: "Eres Kike."},
				{Role: openai.ChatMessageRoleUser, Content: "hola"},
				{Role: openai.ChatMessageRoleAssistant, Content: "¡Hola!"},
				{Role: openai.ChatMessageRoleUser, Content: "¿Cómo estás?"},
			},
		},
	).Return(chatResponse("gpt-3.5-turbo-0125", "Bien, ¿y tú?"), nil).Once()

	completion, err := p.Generate(context.Background(), messages)
	require.NoError(t, err)
	assert.Equal(
		t,
		Completion{Content: "Bien, ¿y tú?", Provider: "openai", Model: "gpt-3.5-turbo-0125"},
		completion,
	)
	client.AssertExpectations(t)
}

func TestOpenAIProvider_Errors(t *testing.T) {
	t.Parallel()

	messages := []Message{{Role: RoleUser, Content: "hola"}}

	t.Run(
		"api error", func(t *testing.T) {
			t.Parallel()
			client := &mockOpenAIClient{}
			apiErr := errors.New("status code: 429")
			client.On("CreateChatCompletion", mock.Anything, mock.Anything).
				Return(openai.ChatCompletionResponse{}, apiErr)

			_, err := newMockOpenAIProvider(client).Generate(context.Background(), messages)
			assert.ErrorIs(t, err, apiErr)
			assert.ErrorContains(t, err, "openai: ")
		},
	)

	t.Run(
		"no choices", func(t *testing.T) {
			t.Parallel()
			client := &mockOpenAIClient{}
			client.On("CreateChatCompletion", mock.Anything, mock.Anything).
				Return(openai.ChatCompletionResponse{Model: "gpt"}, nil)

			_, err := newMockOpenAIProvider(client).Generate(context.Background(), messages)
			assert.ErrorIs(t, err, ErrEmptyCompletion)
		},
	)

	t.Run(
		"blank content", func(t *testing.T) {
			t.Parallel()
			client := &mockOpenAIClient{}
			client.On("CreateChatCompletion", mock.Anything, mock.Anything).
				Return(chatResponse("gpt", " \n "), nil)

			_, err := newMockOpenAIProvider(client).Generate(context.Background(), messages)
			assert.ErrorIs(t, err, ErrEmptyCompletion)
		},
	)
}

// TestOpenAIProvider_CompatibleEndpoint runs a request against a local
// server speaking the chat completions API, as a g4f server would
func TestOpenAIProvider_CompatibleEndpoint(t *testing.T) {
	t.Parallel()

	var received openai.ChatCompletionRequest
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/chat/completions" {
					http.NotFound(w, r)
					return
				}
				if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(chatResponse("gpt-4o-mini", "¡Hola desde g4f!"))
			},
		),
	)
	t.Cleanup(srv.Close)

	p := newOpenAIProvider("g4f", "", srv.URL+"/v1/", "gpt-4o-mini", srv.Client())
	completion, err := p.Generate(
		context.Background(),
		[]Message{{Role: RoleUser, Content: "hola"}},
	)
	require.NoError(t, err)
	assert.Equal(t, "¡Hola desde g4f!", completion.Content)
	assert.Equal(t, "g4f", completion.Provider)
	assert.Equal(t, "gpt-4o-mini", received.Model)
	require.Len(t, received.Messages, 1)
	assert.Equal(t, "hola", received.Messages[0].Content)
}

func TestOpenAIProvider_CompatibleEndpointError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"error": {"message": "no provider available", "type": "server_error"}}`))
			},
		),
	)
	t.Cleanup(srv.Close)

	p := newOpenAIProvider("g4f", "", srv.URL+"/v1", "gpt-4o-mini", srv.Client())
	_, err := p.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hola"}})
	require.Error(t, err)

	var apiErr *openai.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.HTTPStatusCode)
}
