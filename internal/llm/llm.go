package llm

import (
	"context"
	"fmt"
	"strings"
)

type Message struct {
	Role    string
	Content string
}

type Client interface {
	Complete(ctx context.Context, messages []Message, opts ...CallOption) (string, error)
}

type Option func(*clientOptions)

type clientOptions struct {
	baseURL string
}

func WithBaseURL(url string) Option {
	return func(o *clientOptions) {
		o.baseURL = url
	}
}

// CallOption tunes a single completion.
type CallOption func(*callOptions)

type callOptions struct {
	json      bool
	maxTokens int
}

// WithJSON asks the provider for a JSON object response where it supports a
// native JSON mode, and instructs the model otherwise.
func WithJSON() CallOption {
	return func(o *callOptions) {
		o.json = true
	}
}

func WithMaxTokens(n int) CallOption {
	return func(o *callOptions) {
		if n > 0 {
			o.maxTokens = n
		}
	}
}

func resolveCallOptions(opts []CallOption) callOptions {
	o := callOptions{maxTokens: 1024}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

const jsonOnlyInstruction = "Respond with a single JSON object and nothing else."

func ParseModel(model string) (provider, modelName string, err error) {
	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid model format %q: expected provider/model_name", model)
	}
	return parts[0], parts[1], nil
}

func NewClient(provider, apiKey, model string, opts ...Option) (Client, error) {
	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	switch provider {
	case "openai":
		return newOpenAIClient(apiKey, model, o)
	case "anthropic":
		return newAnthropicClient(apiKey, model, o)
	case "gemini":
		return newGeminiClient(apiKey, model, o)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q: supported providers are openai, anthropic, gemini", provider)
	}
}
