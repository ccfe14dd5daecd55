package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/explico/internal/common"
	"github.com/ternarybob/explico/internal/interfaces"
)

// NewClient builds the provider client for a model name. The provider is
// picked by prefix: claude-* goes to Anthropic, gemini-* to Google.
func NewClient(ctx context.Context, cfg *common.Config, model string, logger arbor.ILogger) (interfaces.LLMClient, error) {
	normalized := strings.ToLower(strings.TrimSpace(model))

	switch {
	case strings.HasPrefix(normalized, "claude"):
		return NewClaudeClient(&cfg.Claude, model, logger)
	case strings.HasPrefix(normalized, "gemini"):
		return NewGeminiClient(ctx, &cfg.Gemini, model, logger)
	default:
		return nil, fmt.Errorf("unsupported model '%s': expected a claude-* or gemini-* model name", model)
	}
}
