package upstream

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultOpenAIBaseURL points the OpenAI-compatible adapter at Groq.
const DefaultOpenAIBaseURL = "https://api.groq.com/openai/v1"

// OpenAI streams from any OpenAI-compatible Chat Completions endpoint.
type OpenAI struct {
	client openai.Client
}

// NewOpenAI creates an adapter for the endpoint at baseURL. An empty baseURL
// uses DefaultOpenAIBaseURL.
func NewOpenAI(apiKey, baseURL string, opts ...option.RequestOption) *OpenAI {
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	reqOpts := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
	}, opts...)
	return &OpenAI{client: openai.NewClient(reqOpts...)}
}

func (p *OpenAI) Stream(ctx context.Context, req Request) (Stream, error) {
	return newStream(ctx, func(ctx context.Context, emit func(string) error) error {
		stream := p.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
			Model: openai.ChatModel(req.Model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(req.System),
				openai.UserMessage(req.Prompt),
			},
			MaxTokens:   openai.Int(req.MaxTokens),
			Temperature: openai.Float(req.Temperature),
		})
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			// Usage-only chunks carry no choices.
			if len(chunk.Choices) == 0 {
				continue
			}
			if err := emit(chunk.Choices[0].Delta.Content); err != nil {
				return err
			}
		}
		return stream.Err()
	}), nil
}
