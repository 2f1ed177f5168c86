package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/probatio/probatio/internal/model"
)

// OpenAIProvider implements Provider on the OpenAI Chat Completions API.
type OpenAIProvider struct {
	client *openai.Client
	cfg    model.ProviderConfig
}

// NewOpenAIProvider creates an OpenAI provider from configuration.
func NewOpenAIProvider(cfg model.ProviderConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientConfig),
		cfg:    cfg,
	}, nil
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete runs one generation request.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	mdl := p.cfg.Model
	if mdl == "" {
		mdl = openai.GPT4oMini
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1000
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, requestTimeout(p.cfg, maxTokens))
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       mdl,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctxWithTimeout, chatReq)
	if err != nil {
		return nil, &ProviderError{
			Provider:  p.Name(),
			Status:    openaiStatus(err),
			Retryable: openaiRetryable(err),
			Err:       err,
		}
	}

	if len(resp.Choices) == 0 {
		return nil, &ProviderError{
			Provider:  p.Name(),
			Retryable: true,
			Err:       fmt.Errorf("no choices in response"),
		}
	}

	return &Response{
		Text:             resp.Choices[0].Message.Content,
		Provider:         p.Name(),
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func openaiStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	return 0
}

func openaiRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	// Transport-level failures (connection reset, DNS) are worth retrying.
	return true
}

// requestTimeout picks the short timeout for small requests and the long
// one for large-token requests.
func requestTimeout(cfg model.ProviderConfig, maxTokens int) time.Duration {
	short := time.Duration(cfg.TimeoutS) * time.Second
	long := time.Duration(cfg.LongTimeS) * time.Second
	if short == 0 {
		short = 30 * time.Second
	}
	if long == 0 {
		long = 120 * time.Second
	}
	if maxTokens > 2000 {
		return long
	}
	return short
}
