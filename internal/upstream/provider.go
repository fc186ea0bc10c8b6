package upstream

import (
	"context"
	"fmt"
)

// ProviderOptions selects and authenticates a provider adapter.
type ProviderOptions struct {
	Name    string
	APIKey  string
	BaseURL string
}

// NewProvider builds the adapter named by opts.Name: "openai" (also "groq"),
// "anthropic" or "gemini".
func NewProvider(ctx context.Context, opts ProviderOptions) (Provider, error) {
	switch opts.Name {
	case "openai", "groq":
		return NewOpenAI(opts.APIKey, opts.BaseURL), nil
	case "anthropic":
		return NewAnthropic(opts.APIKey, opts.BaseURL), nil
	case "gemini":
		p, err := NewGemini(ctx, opts.APIKey)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, opts.Name)
	}
}
