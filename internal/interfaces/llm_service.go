package interfaces

import (
	"context"

	"github.com/ternarybob/explico/internal/models"
)

// CompletionRequest is a single-turn prompt against a configured model.
type CompletionRequest struct {
	// System sets the assistant's role for the call. Optional.
	System string

	// Prompt contains the full user message, documents included.
	Prompt string

	// MaxTokens caps the reply length. Zero uses the provider default.
	MaxTokens int

	Temperature float32
}

// CompletionResponse carries the raw model reply and token accounting.
type CompletionResponse struct {
	// Text is the model output as returned, fences and all. Callers strip
	// formatting themselves.
	Text string

	Usage models.TokenUsage
}

// LLMClient is a provider-neutral completion client. Implementations exist
// for Anthropic Claude and Google Gemini; the provider is selected by model
// name prefix at construction time.
type LLMClient interface {
	// Complete performs a single completion call. Implementations apply
	// their own rate limiting and circuit breaking; callers only handle the
	// returned error.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Model returns the model identifier this client is bound to.
	Model() string
}
