// Package mock provides a test double for the vision.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// AnalyzeCall records a single invocation of Analyze.
type AnalyzeCall struct {
	Image  types.VisionAttachment
	Prompt string
}

// Provider is a mock implementation of vision.Provider.
type Provider struct {
	mu sync.Mutex

	// AnalyzeResult is returned by every call to Analyze unless AnalyzeErr
	// is set.
	AnalyzeResult string
	AnalyzeErr    error

	Calls []AnalyzeCall
}

// Analyze implements vision.Provider.
func (p *Provider) Analyze(ctx context.Context, image types.VisionAttachment, prompt string) (string, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, AnalyzeCall{Image: image, Prompt: prompt})
	p.mu.Unlock()

	if p.AnalyzeErr != nil {
		return "", p.AnalyzeErr
	}
	return p.AnalyzeResult, nil
}

// CallCount returns how many times Analyze has been called.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
