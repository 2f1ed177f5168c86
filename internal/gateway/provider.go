package gateway

import (
	"context"
	"fmt"

	"github.com/probatio/probatio/internal/model"
)

// Role values for transcript messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the request transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-agnostic generation request.
type Request struct {
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	JSONMode    bool      `json:"json_mode"` // ask the provider for structured JSON output
}

// Response is a provider-agnostic generation response.
type Response struct {
	Text             string  `json:"text"`
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	FromCache        bool    `json:"from_cache"`
}

// Provider is one external generative-text backend.
type Provider interface {
	// Name returns the provider name.
	Name() string

	// Complete runs one generation request.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ProviderError carries enough detail to classify a provider failure.
type ProviderError struct {
	Provider  string
	Status    int // HTTP status when known, 0 otherwise
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProvider builds a provider from configuration.
func NewProvider(cfg model.ProviderConfig) (Provider, error) {
	switch cfg.Name {
	case "openai":
		return NewOpenAIProvider(cfg)
	case "anthropic", "claude":
		return NewAnthropicProvider(cfg)
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown provider: %s (supported: openai, anthropic)", cfg.Name)
	}
}
