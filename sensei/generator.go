package sensei

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const openaiUserRole = openai.ChatMessageRoleUser

// TermGenerator turns a prompt into free-form text.
type TermGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ChatCompletionClient is the subset of the openai client used by
// [OpenAIGenerator]
type ChatCompletionClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// OpenAIGenerator generates terms with an OpenAI-compatible chat
// completion endpoint.
type OpenAIGenerator struct {
	client         ChatCompletionClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
}

// NewOpenAIGenerator returns an OpenAIGenerator using config. If
// httpClient is nil, http.DefaultClient is used.
func NewOpenAIGenerator(config *OpenAIConfig, httpClient *http.Client) (*OpenAIGenerator, error) {
	if config == nil {
		return nil, errors.New("openai config required")
	}
	if config.Token == "" {
		return nil, errors.New("openai token required")
	}
	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	return newOpenAIGenerator(config, openai.NewClientWithConfig(clientCfg)), nil
}

func newOpenAIGenerator(config *OpenAIConfig, client ChatCompletionClient) *OpenAIGenerator {
	var level slog.Leveler = DefaultOpenAILogLevel
	if config.LogLevel != nil {
		level = config.LogLevel
	}
	limit := rate.Inf
	if config.MaxRequestsPerSecond > 0 {
		limit = rate.Limit(config.MaxRequestsPerSecond)
	}
	return &OpenAIGenerator{
		client:         client,
		config:         config,
		logger:         newComponentLogger("openai", level),
		requestLimiter: rate.NewLimiter(limit, 1),
	}
}

// Generate sends prompt as a single user message and returns the first
// choice's content. Any failure, including an empty response, wraps
// [ErrGeneratorUnavailable].
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	logger := g.logger

	if err := g.requestLimiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: rate limiter: %w", ErrGeneratorUnavailable, err)
	}

	req := openai.ChatCompletionRequest{
		Model: g.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openaiUserRole, Content: prompt},
		},
	}
	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"chat completion failed",
			tint.Err(err),
			"model", g.config.Model,
			"duration", elapsed,
		)
		return "", fmt.Errorf("%w: %w", ErrGeneratorUnavailable, err)
	}

	logger.InfoContext(
		ctx,
		"chat completion finished",
		"model", resp.Model,
		"id", resp.ID,
		"duration", elapsed,
		slog.Group(
			"usage",
			"prompt_tokens", resp.Usage.PromptTokens,
			"completion_tokens", resp.Usage.CompletionTokens,
		),
	)

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrGeneratorUnavailable)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("%w: empty response", ErrGeneratorUnavailable)
	}
	return content, nil
}
