package upstream

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// Gemini streams from the Gemini API through the genai SDK iterator.
type Gemini struct {
	client *genai.Client
}

// NewGemini creates a Gemini API client authenticated with apiKey.
func NewGemini(ctx context.Context, apiKey string) (*Gemini, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return &Gemini{client: gc}, nil
}

func (p *Gemini) Stream(ctx context.Context, req Request) (Stream, error) {
	seq := p.client.Models.GenerateContentStream(ctx, req.Model, genai.Text(req.Prompt), geminiConfig(req))
	return newSeqStream(ctx, seq, geminiText), nil
}

func geminiConfig(req Request) *genai.GenerateContentConfig {
	temp := float32(req.Temperature)
	return &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		},
		MaxOutputTokens: int32(req.MaxTokens),
		Temperature:     &temp,
	}
}

func geminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	return resp.Text()
}
