package sensei

import (
	"context"
	"errors"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"testing"
)

type mockChatClient struct {
	mock.Mock
}

func (m *mockChatClient) CreateChatCompletion(
	ctx context.Context,
	request openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	args := m.Called(ctx, request)
	return args.Get(0).(openai.ChatCompletionResponse), args.Error(1)
}

func chatResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		ID:    "chatcmpl-123",
		Model: "gemini-1.5-flash",
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}},
		},
	}
}

func TestOpenAIGenerator_Generate(t *testing.T) {
	ctx := context.Background()
	client := &mockChatClient{}
	client.On(
		"CreateChatCompletion",
		mock.Anything,
		mock.MatchedBy(
			func(req openai.ChatCompletionRequest) bool {
				return req.Model == DefaultOpenAIModel &&
					len(req.Messages) == 1 &&
					req.Messages[0].Role == openai.ChatMessageRoleUser &&
					req.Messages[0].Content == "a prompt"
			},
		),
	).Return(chatResponse("  Churn Rate: Rate customers leave.\n"), nil)

	gen := newOpenAIGenerator(&OpenAIConfig{Model: DefaultOpenAIModel}, client)
	out, err := gen.Generate(ctx, "a prompt")
	require.NoError(t, err)
	assert.Equal(t, "Churn Rate: Rate customers leave.", out)
	client.AssertExpectations(t)
}

func TestOpenAIGenerator_Generate_Errors(t *testing.T) {
	testCases := []struct {
		name string
		resp openai.ChatCompletionResponse
		err  error
	}{
		{name: "client error", err: errors.New("connection reset")},
		{name: "no choices", resp: openai.ChatCompletionResponse{}},
		{name: "blank content", resp: chatResponse("   ")},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				client := &mockChatClient{}
				client.On("CreateChatCompletion", mock.Anything, mock.Anything).
					Return(tc.resp, tc.err)
				gen := newOpenAIGenerator(&OpenAIConfig{Model: "m"}, client)
				_, err := gen.Generate(context.Background(), "prompt")
				assert.ErrorIs(t, err, ErrGeneratorUnavailable)
			},
		)
	}
}

func TestOpenAIGenerator_Generate_Canceled(t *testing.T) {
	client := &mockChatClient{}
	gen := newOpenAIGenerator(&OpenAIConfig{Model: "m", MaxRequestsPerSecond: 0.001}, client)
	// consume the only token, so the next call has to wait
	require.True(t, gen.requestLimiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := gen.Generate(ctx, "prompt")
	assert.ErrorIs(t, err, ErrGeneratorUnavailable)
	client.AssertNotCalled(t, "CreateChatCompletion", mock.Anything, mock.Anything)
}

func TestNewOpenAIGenerator(t *testing.T) {
	_, err := NewOpenAIGenerator(nil, nil)
	assert.Error(t, err)

	_, err = NewOpenAIGenerator(&OpenAIConfig{}, nil)
	assert.Error(t, err)

	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/chat/completions", r.URL.Path)
				assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write(
					[]byte(`{"id":"x","model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"Seed Round: Early funding."}}]}`),
				)
			},
		),
	)
	t.Cleanup(srv.Close)

	gen, err := NewOpenAIGenerator(
		&OpenAIConfig{Token: "sk-test", BaseURL: srv.URL + "/", Model: "m"},
		srv.Client(),
	)
	require.NoError(t, err)
	out, err := gen.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "Seed Round: Early funding.", out)
}
