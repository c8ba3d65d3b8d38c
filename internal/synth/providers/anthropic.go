// Package providers contains Synthesizer implementations backed by
// external generation services.
package providers

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements the Synthesizer interface using
// Anthropic's Claude API.
type AnthropicProvider struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)
	return &AnthropicProvider{
		client: &client,
		model:  model,
	}
}

// Generate sends the prompt to Claude and returns the completion text.
// The assistant turn is prefilled with "{" so the model continues with
// valid JSON when the prompt asks for an object.
func (p *AnthropicProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	message, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			anthropic.NewAssistantMessage(anthropic.NewTextBlock("{")),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to call Claude API: %w", err)
	}

	var responseText string
	for _, block := range message.Content {
		if block.Type == "text" {
			responseText = block.Text
			break
		}
	}
	if responseText == "" {
		return "", fmt.Errorf("Claude returned empty response")
	}

	// Prepend "{" since the response continues from after the prefill.
	return "{" + responseText, nil
}
