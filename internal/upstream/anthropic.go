package upstream

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic streams text deltas from the Messages API.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic creates an adapter authenticated with apiKey. A non-empty
// baseURL overrides the SDK default.
func NewAnthropic(apiKey, baseURL string, opts ...anthropicoption.RequestOption) *Anthropic {
	reqOpts := []anthropicoption.RequestOption{anthropicoption.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, anthropicoption.WithBaseURL(baseURL))
	}
	reqOpts = append(reqOpts, opts...)
	return &Anthropic{client: anthropic.NewClient(reqOpts...)}
}

func (p *Anthropic) Stream(ctx context.Context, req Request) (Stream, error) {
	return newStream(ctx, func(ctx context.Context, emit func(string) error) error {
		stream := p.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(req.Model),
			MaxTokens: req.MaxTokens,
			System: []anthropic.TextBlockParam{
				{Text: req.System},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
			},
			Temperature: anthropic.Float(req.Temperature),
		})
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			text, ok := delta.Delta.AsAny().(anthropic.TextDelta)
			if !ok {
				continue
			}
			if err := emit(text.Text); err != nil {
				return err
			}
		}
		return stream.Err()
	}), nil
}
