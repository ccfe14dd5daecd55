package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/ternarybob/explico/internal/common"
	"github.com/ternarybob/explico/internal/interfaces"
	"github.com/ternarybob/explico/internal/models"
)

// GeminiClient implements the completion contract against the Google Gemini
// API.
type GeminiClient struct {
	client  *genai.Client
	model   string
	guard   *callGuard
	timeout time.Duration
	temp    float32
	logger  arbor.ILogger
}

// NewGeminiClient builds a client bound to one model.
func NewGeminiClient(ctx context.Context, cfg *common.GeminiConfig, model string, logger arbor.ILogger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required (set GEMINI_API_KEY or gemini.api_key in config)")
	}
	if model == "" {
		return nil, fmt.Errorf("model name is required")
	}

	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid gemini timeout '%s': %w", cfg.Timeout, err)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	c := &GeminiClient{
		client:  client,
		model:   model,
		guard:   newCallGuard("gemini", cfg.RatePerMinute, logger),
		timeout: timeout,
		temp:    cfg.Temperature,
		logger:  logger,
	}

	logger.Debug().
		Str("model", model).
		Dur("timeout", timeout).
		Msg("Gemini client initialized")

	return c, nil
}

// Model returns the bound model identifier.
func (c *GeminiClient) Model() string {
	return c.model
}

// Complete performs one generation call and returns the reply text plus token
// usage.
func (c *GeminiClient) Complete(ctx context.Context, req interfaces.CompletionRequest) (*interfaces.CompletionResponse, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt cannot be empty")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temp),
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	contents := []*genai.Content{
		{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{genai.NewPartFromText(req.Prompt)},
		},
	}

	start := time.Now()
	resp, err := c.guard.do(timeoutCtx, func() (*interfaces.CompletionResponse, error) {
		result, err := c.client.Models.GenerateContent(timeoutCtx, c.model, contents, config)
		if err != nil {
			return nil, fmt.Errorf("gemini API call failed: %w", err)
		}

		text := result.Text()
		if text == "" {
			return nil, fmt.Errorf("empty response from gemini API")
		}

		var usage models.TokenUsage
		if result.UsageMetadata != nil {
			usage.InputTokens = int64(result.UsageMetadata.PromptTokenCount)
			usage.OutputTokens = int64(result.UsageMetadata.CandidatesTokenCount)
		}

		return &interfaces.CompletionResponse{Text: text, Usage: usage}, nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("model", c.model).
		Int("prompt_chars", len(req.Prompt)).
		Int("reply_chars", len(resp.Text)).
		Int64("input_tokens", resp.Usage.InputTokens).
		Int64("output_tokens", resp.Usage.OutputTokens).
		Dur("duration", time.Since(start)).
		Msg("Gemini completion finished")

	return resp, nil
}
