// Package aicall abstracts text-generation model invocation behind a single
// interface so extraction, validation, and fallback generation can be wired
// to different providers and model roles.
package aicall

import (
	"context"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/rotisserie/eris"

	"github.com/techno-archive/enrich-cli/internal/resilience"
	"github.com/techno-archive/enrich-cli/pkg/anthropic"
	"github.com/techno-archive/enrich-cli/pkg/perplexity"
)

// Caller invokes a text-generation model with a system/user prompt pair and
// returns the raw response text. Callers do not parse: JSON extraction is
// the consumer's job via ExtractJSON.
type Caller interface {
	Invoke(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Model() string
}

// Role names a task family with its own cost/quality budget. The role→model
// mapping is configuration, never hardcoded at call sites.
type Role string

const (
	// RoleExtract is high-volume structuring on a fast, cheap model.
	RoleExtract Role = "extract"
	// RoleValidate is consensus and policy reasoning on a stronger model.
	RoleValidate Role = "validate"
	// RoleFreshness is low-latency discovery scanning.
	RoleFreshness Role = "freshness"
)

// AnthropicCaller adapts an anthropic.Client to the Caller interface for a
// fixed model.
type AnthropicCaller struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	task      string
}

// NewAnthropicCaller creates a Caller backed by the Anthropic API.
func NewAnthropicCaller(client anthropic.Client, model string, maxTokens int64, task string) *AnthropicCaller {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &AnthropicCaller{client: client, model: model, maxTokens: maxTokens, task: task}
}

func (c *AnthropicCaller) Model() string { return c.model }

func (c *AnthropicCaller) Invoke(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    systemPrompt,
		Messages:  []anthropic.Message{{Role: "user", Content: userPrompt}},
	})
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return "", &resilience.UpstreamHTTPError{
				Provider:   "anthropic",
				StatusCode: apiErr.StatusCode,
				Body:       apiErr.Error(),
			}
		}
		return "", eris.Wrap(err, "aicall: anthropic invoke")
	}

	resp.Usage.LogCost(c.model, c.task)
	return resp.Text(), nil
}

// PerplexityCaller adapts a perplexity.Client to the Caller interface.
type PerplexityCaller struct {
	client perplexity.Client
	model  string
}

// NewPerplexityCaller creates a Caller backed by the Perplexity API.
func NewPerplexityCaller(client perplexity.Client, model string) *PerplexityCaller {
	return &PerplexityCaller{client: client, model: model}
}

func (c *PerplexityCaller) Model() string { return c.model }

func (c *PerplexityCaller) Invoke(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []perplexity.Message{}
	if systemPrompt != "" {
		messages = append(messages, perplexity.Message{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, perplexity.Message{Role: "user", Content: userPrompt})

	resp, err := c.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		var apiErr *perplexity.APIError
		if errors.As(err, &apiErr) {
			return "", &resilience.UpstreamHTTPError{
				Provider:   "perplexity",
				StatusCode: apiErr.StatusCode,
				Body:       apiErr.Body,
			}
		}
		return "", eris.Wrap(err, "aicall: perplexity invoke")
	}

	if len(resp.Choices) == 0 {
		return "", eris.New("aicall: perplexity returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
