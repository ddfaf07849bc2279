// Package gemini adapts the Google Gemini API for image threat
// analysis with OCR text extraction.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/linnemanlabs/imara/internal/provider"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// Name is the provider identifier used in fallback chain config.
	Name = "gemini"
)

// Client implements provider.Adapter against the Gemini API.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates a Gemini adapter. Per-call deadlines come from the router.
func New(apiKey, model string) *Client {
	return &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
	}
}

// Name implements provider.Adapter.
func (c *Client) Name() string { return Name }

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Analyze sends an image for analysis and returns the model's raw JSON.
func (c *Client) Analyze(ctx context.Context, req *provider.Request) (json.RawMessage, error) {
	if req.Modality != provider.ModalityImage {
		return nil, &provider.Error{Provider: Name, Kind: provider.KindMalformed,
			Err: fmt.Errorf("unsupported modality %q", req.Modality)}
	}

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	body, err := json.Marshal(generateRequest{
		Contents: []content{{
			Parts: []part{
				{Text: provider.AnalysisSystemPrompt + "\n\n" + provider.VisionUserPrompt},
				{InlineData: &inlineData{
					MimeType: mimeType,
					Data:     base64.StdEncoding.EncodeToString(req.Media),
				}},
			},
		}},
		GenerationConfig: generationConfig{Temperature: 0.1, ResponseMimeType: "application/json"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		kind := provider.KindUnavailable
		if ctx.Err() != nil {
			kind = provider.KindTimeout
		}
		return nil, &provider.Error{Provider: Name, Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &provider.Error{Provider: Name, Kind: provider.KindUnavailable,
			Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &provider.Error{
			Provider: Name,
			Kind:     provider.KindForStatus(resp.StatusCode),
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("gemini api error: %s", strings.TrimSpace(string(respBody))),
		}
	}

	var out generateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, &provider.Error{Provider: Name, Kind: provider.KindMalformed,
			Err: fmt.Errorf("unmarshal response: %w", err)}
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return nil, &provider.Error{Provider: Name, Kind: provider.KindMalformed,
			Err: fmt.Errorf("empty candidates")}
	}

	return json.RawMessage(stripFences(out.Candidates[0].Content.Parts[0].Text)), nil
}

// stripFences removes markdown code fences some model versions wrap
// around JSON output despite the response mime type.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
