// Package claude adapts the Anthropic API for text threat analysis.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/imara/internal/provider"
)

// Name is the provider identifier used in fallback chain config.
const Name = "claude"

// Client implements provider.Adapter via the official Anthropic SDK.
type Client struct {
	client anthropic.Client
	model  string
}

// New creates a Claude adapter. Extra options are passed through to the
// SDK (tests use option.WithBaseURL).
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &Client{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

// Name implements provider.Adapter.
func (c *Client) Name() string { return Name }

// Analyze sends text for threat analysis and returns the model's raw JSON.
func (c *Client) Analyze(ctx context.Context, req *provider.Request) (json.RawMessage, error) {
	if req.Modality != provider.ModalityText {
		return nil, &provider.Error{Provider: Name, Kind: provider.KindMalformed,
			Err: fmt.Errorf("unsupported modality %q", req.Modality)}
	}

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 500,
		System:    []anthropic.TextBlockParam{{Text: provider.AnalysisSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(provider.AnalysisUserPrompt(req.Text))),
		},
	})
	if err != nil {
		return nil, classify(ctx, err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			return json.RawMessage(stripFences(block.Text)), nil
		}
	}

	return nil, &provider.Error{Provider: Name, Kind: provider.KindMalformed,
		Err: fmt.Errorf("no text content in response")}
}

func classify(ctx context.Context, err error) *provider.Error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &provider.Error{
			Provider: Name,
			Kind:     provider.KindForStatus(apierr.StatusCode),
			Status:   apierr.StatusCode,
			Err:      err,
		}
	}
	kind := provider.KindUnavailable
	if ctx.Err() != nil {
		kind = provider.KindTimeout
	}
	return &provider.Error{Provider: Name, Kind: kind, Err: err}
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
