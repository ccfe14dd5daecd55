package pipeline

import (
	"strings"

	"github.com/ternarybob/explico/internal/models"
)

// modelRate returns approximate list prices in USD per million tokens for
// the model families we route to. The figures feed the custo_estimado
// metric only; billing truth lives with the providers.
func modelRate(model string) (in, out float64) {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "opus"):
		return 15.0, 75.0
	case strings.Contains(m, "sonnet"):
		return 3.0, 15.0
	case strings.Contains(m, "haiku"):
		return 0.80, 4.0
	case strings.Contains(m, "flash"):
		return 0.30, 2.50
	case strings.Contains(m, "gemini"):
		return 1.25, 10.0
	default:
		return 1.0, 5.0
	}
}

// estimateCost converts one call's token usage into approximate USD.
func estimateCost(model string, usage models.TokenUsage) float64 {
	in, out := modelRate(model)
	return float64(usage.InputTokens)*in/1e6 + float64(usage.OutputTokens)*out/1e6
}
