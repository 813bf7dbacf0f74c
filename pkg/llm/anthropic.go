package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/malbeclabs/analyst/pkg/metrics"
)

const (
	DefaultModel     = string(anthropic.ModelClaudeSonnet4_5_20250929)
	DefaultMaxTokens = 4096
)

type AnthropicConfig struct {
	Logger *slog.Logger
	// APIKey falls back to ANTHROPIC_API_KEY when empty.
	APIKey      string
	Model       string
	MaxTokens   int64
	Temperature float64
	// BaseURL overrides the API endpoint.
	BaseURL    string
	MaxRetries int
}

func (cfg *AnthropicConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxTokens < 0 {
		return errors.New("max tokens must be positive")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 1 {
		return errors.New("temperature must be between 0 and 1")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}
	return nil
}

// Anthropic implements Client using the Anthropic API.
type Anthropic struct {
	log    *slog.Logger
	cfg    AnthropicConfig
	client anthropic.Client
}

func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate anthropic config: %w", err)
	}

	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))

	return &Anthropic{
		log:    cfg.Logger,
		cfg:    cfg,
		client: anthropic.NewClient(opts...),
	}, nil
}

// Complete sends a prompt to Claude and returns the response text.
func (c *Anthropic) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error) {
	o := Apply(opts...)

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.cfg.Model),
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: anthropic.Float(c.cfg.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}
	if o.MaxTokens > 0 {
		params.MaxTokens = o.MaxTokens
	}
	if o.Temperature != nil {
		params.Temperature = anthropic.Float(*o.Temperature)
	}
	if systemPrompt != "" {
		block := anthropic.TextBlockParam{Text: systemPrompt}
		if o.CacheSystemPrompt {
			block.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = []anthropic.TextBlockParam{block}
	}

	start := time.Now()
	c.log.Debug("llm: call starting", "model", c.cfg.Model, "max_tokens", params.MaxTokens, "user_prompt_len", len(userPrompt))

	msg, err := c.client.Messages.New(ctx, params)
	duration := time.Since(start)
	metrics.LLMCallDuration.Observe(duration.Seconds())
	if err != nil {
		metrics.LLMCallsTotal.WithLabelValues("error").Inc()
		c.log.Warn("llm: call failed", "duration", duration, "error", err)
		return "", fmt.Errorf("anthropic API error: %w", err)
	}
	c.log.Debug("llm: call completed", "duration", duration, "stop_reason", msg.StopReason,
		"input_tokens", msg.Usage.InputTokens, "output_tokens", msg.Usage.OutputTokens)

	for _, block := range msg.Content {
		if block.Type == "text" {
			metrics.LLMCallsTotal.WithLabelValues("ok").Inc()
			return block.Text, nil
		}
	}

	metrics.LLMCallsTotal.WithLabelValues("empty").Inc()
	return "", fmt.Errorf("no text content in response")
}
