// Package genai provides a vision.Provider backed by Google's Gemini
// multimodal API via google.golang.org/genai.
package genai

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// Provider implements vision.Provider using a Gemini model.
type Provider struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// config holds optional configuration for the provider.
type config struct {
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request timeout. Defaults to 15s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a Provider for the given model (e.g. "gemini-2.0-flash"),
// authenticating with apiKey.
func New(ctx context.Context, apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("genai: model must not be empty")
	}

	cfg := &config{timeout: 15 * time.Second}
	for _, o := range opts {
		o(cfg)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("genai: creating client: %w", err)
	}

	return &Provider{client: client, model: model, timeout: cfg.timeout}, nil
}

// Analyze implements vision.Provider.
func (p *Provider) Analyze(ctx context.Context, image types.VisionAttachment, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	parts := []*genai.Part{
		genai.NewPartFromText(prompt),
		genai.NewPartFromBytes(image.Data, image.MediaType),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := p.client.Models.GenerateContent(callCtx, p.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("genai: generate content: %w", err)
	}
	return resp.Text(), nil
}
