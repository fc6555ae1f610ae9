package llm

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/genai"
)

// GenAIConfig configures the Gemini API backend.
type GenAIConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint; empty uses the SDK default.
	BaseURL    string
	APIVersion string
	HTTPClient *http.Client
}

// GenAIBackend is a Backend over the Google GenAI SDK.
type GenAIBackend struct {
	client *genai.Client
}

// NewGenAIBackend creates a Gemini API backend.
func NewGenAIBackend(ctx context.Context, cfg GenAIConfig) (*GenAIBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    cfg.BaseURL,
			APIVersion: cfg.APIVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIBackend{client: client}, nil
}

// Generate sends prompt as a single user turn and returns the reply text.
// API failures come back as genai.APIError, which carries the HTTP status.
func (b *GenAIBackend) Generate(ctx context.Context, model, prompt string) (string, error) {
	resp, err := b.client.Models.GenerateContent(ctx, model, genai.Text(prompt), &genai.GenerateContentConfig{})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
