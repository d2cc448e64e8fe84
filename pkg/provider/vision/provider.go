// Package vision defines the Provider interface for image-understanding
// backends used to turn a VisionAttachment into text context for an LLM
// that cannot itself accept image input.
//
// Implementations must be safe for concurrent use.
package vision

import (
	"context"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// Provider is the abstraction over any vision/image-understanding backend.
type Provider interface {
	// Analyze describes image in the context of prompt and returns a plain
	// text description suitable for splicing into an LLM's conversation
	// history. Returns an error if the backend cannot be reached or rejects
	// the image.
	Analyze(ctx context.Context, image types.VisionAttachment, prompt string) (string, error)
}
