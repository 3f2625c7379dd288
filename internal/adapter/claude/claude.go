// Package claude implements the reasoning, vision and synthesis
// capabilities on the Anthropic Messages API.
package claude

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loopsymphony/server/internal/config"
	"github.com/loopsymphony/server/internal/domain"
	"github.com/loopsymphony/server/internal/port/tool"
	"github.com/loopsymphony/server/internal/resilience"
)

const toolVersion = "1.0"

// Tool wraps the Anthropic client behind the tool port.
type Tool struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int64
	breaker   *resilience.Breaker
}

// New creates the Claude tool from config. The breaker guards against
// hammering the API during an outage.
func New(cfg config.Claude, breaker *resilience.Breaker) *Tool {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	client := anthropic.NewClient(opts...)
	return &Tool{
		client:    &client,
		model:     anthropic.Model(cfg.Model),
		maxTokens: int64(cfg.MaxTokens),
		breaker:   breaker,
	}
}

func (t *Tool) Name() string { return "claude" }

func (t *Tool) Capabilities() []tool.Capability {
	return []tool.Capability{tool.CapReasoning, tool.CapVision, tool.CapSynthesis}
}

func (t *Tool) Version() string { return toolVersion }

// Invoke sends a single-turn message. Vision requests attach their
// images as content blocks ahead of the prompt.
func (t *Tool) Invoke(ctx context.Context, req tool.Request) (*tool.Response, error) {
	var blocks []anthropic.ContentBlockParamUnion
	for _, img := range req.Images {
		switch {
		case img.Base64 != "":
			blocks = append(blocks, anthropic.NewImageBlockBase64(img.MediaType, img.Base64))
		case img.URL != "":
			blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: img.URL}))
		}
	}
	blocks = append(blocks, anthropic.NewTextBlock(req.Prompt))

	params := anthropic.MessageNewParams{
		Model:     t.model,
		MaxTokens: t.maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	}
	if system, ok := req.Params["system"].(string); ok && system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	var resp *anthropic.Message
	err := t.breaker.Execute(func() error {
		var callErr error
		resp, callErr = t.client.Messages.New(ctx, params)
		return callErr
	})
	if err != nil {
		return nil, &domain.ToolError{Tool: t.Name(), Err: err}
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.AsText().Text
		}
	}

	return &tool.Response{
		Content: content,
		Raw: map[string]any{
			"model":         string(resp.Model),
			"stop_reason":   string(resp.StopReason),
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
		},
	}, nil
}

// HealthCheck sends a minimal request to verify credentials and reach.
func (t *Tool) HealthCheck(ctx context.Context) error {
	_, err := t.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     t.model,
		MaxTokens: 1,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("ping"))},
	})
	if err != nil {
		return fmt.Errorf("claude health check: %w", err)
	}
	return nil
}
