package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/explico/internal/common"
	"github.com/ternarybob/explico/internal/interfaces"
	"github.com/ternarybob/explico/internal/models"
)

// ClaudeClient implements the completion contract against the Anthropic API.
type ClaudeClient struct {
	client    anthropic.Client
	model     string
	guard     *callGuard
	timeout   time.Duration
	maxTokens int
	temp      float32
	logger    arbor.ILogger
}

// NewClaudeClient builds a client bound to one model.
func NewClaudeClient(cfg *common.ClaudeConfig, model string, logger arbor.ILogger) (*ClaudeClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required (set ANTHROPIC_API_KEY or claude.api_key in config)")
	}
	if model == "" {
		return nil, fmt.Errorf("model name is required")
	}

	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid claude timeout '%s': %w", cfg.Timeout, err)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	client := anthropic.NewClient(
		option.WithAPIKey(cfg.APIKey),
	)

	c := &ClaudeClient{
		client:    client,
		model:     model,
		guard:     newCallGuard("claude", cfg.RatePerMinute, logger),
		timeout:   timeout,
		maxTokens: maxTokens,
		temp:      cfg.Temperature,
		logger:    logger,
	}

	logger.Debug().
		Str("model", model).
		Dur("timeout", timeout).
		Int("max_tokens", maxTokens).
		Msg("Claude client initialized")

	return c, nil
}

// Model returns the bound model identifier.
func (c *ClaudeClient) Model() string {
	return c.model
}

// Complete performs one message call and returns the concatenated text blocks
// plus token usage.
func (c *ClaudeClient) Complete(ctx context.Context, req interfaces.CompletionRequest) (*interfaces.CompletionResponse, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt cannot be empty")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if temp > 0 {
		params.Temperature = anthropic.Float(float64(temp))
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}

	start := time.Now()
	resp, err := c.guard.do(timeoutCtx, func() (*interfaces.CompletionResponse, error) {
		msg, err := c.client.Messages.New(timeoutCtx, params)
		if err != nil {
			return nil, fmt.Errorf("claude API call failed: %w", err)
		}

		var text strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		if text.Len() == 0 {
			return nil, fmt.Errorf("empty response from claude API")
		}

		return &interfaces.CompletionResponse{
			Text: text.String(),
			Usage: models.TokenUsage{
				InputTokens:  msg.Usage.InputTokens,
				OutputTokens: msg.Usage.OutputTokens,
			},
		}, nil
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
		Msg("Claude completion finished")

	return resp, nil
}
