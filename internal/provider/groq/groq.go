// Package groq adapts the Groq OpenAI-compatible API for text threat
// analysis and Whisper audio transcription.
package groq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/linnemanlabs/imara/internal/provider"
)

const (
	defaultBaseURL = "https://api.groq.com/openai/v1"

	// Name is the provider identifier used in fallback chain config.
	Name = "groq"
)

// Client implements provider.Adapter against the Groq API.
type Client struct {
	apiKey       string
	model        string
	whisperModel string
	baseURL      string
	httpClient   *http.Client
}

// New creates a Groq adapter. The http.Client carries no timeout; the
// router supplies a per-call deadline via context.
func New(apiKey, model, whisperModel string) *Client {
	return &Client{
		apiKey:       apiKey,
		model:        model,
		whisperModel: whisperModel,
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{},
	}
}

// Name implements provider.Adapter.
func (c *Client) Name() string { return Name }

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Analyze sends text for threat analysis or audio for transcription.
// For audio the raw response is Whisper's {"text": "..."} payload.
func (c *Client) Analyze(ctx context.Context, req *provider.Request) (json.RawMessage, error) {
	switch req.Modality {
	case provider.ModalityText:
		return c.analyzeText(ctx, req.Text)
	case provider.ModalityAudio:
		return c.transcribe(ctx, req.Media, req.MimeType)
	default:
		return nil, &provider.Error{Provider: Name, Kind: provider.KindMalformed,
			Err: fmt.Errorf("unsupported modality %q", req.Modality)}
	}
}

func (c *Client) analyzeText(ctx context.Context, text string) (json.RawMessage, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: provider.AnalysisSystemPrompt},
			{Role: "user", Content: provider.AnalysisUserPrompt(text)},
		},
		Temperature:    0.1,
		MaxTokens:      500,
		ResponseFormat: responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := c.post(ctx, c.baseURL+"/chat/completions", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, &provider.Error{Provider: Name, Kind: provider.KindMalformed,
			Err: fmt.Errorf("unmarshal response: %w", err)}
	}
	if len(out.Choices) == 0 {
		return nil, &provider.Error{Provider: Name, Kind: provider.KindMalformed,
			Err: fmt.Errorf("empty choices")}
	}

	return json.RawMessage(out.Choices[0].Message.Content), nil
}

func (c *Client) transcribe(ctx context.Context, media []byte, mimeType string) (json.RawMessage, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", "voice"+extFor(mimeType))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(media); err != nil {
		return nil, fmt.Errorf("write audio: %w", err)
	}
	if err := mw.WriteField("model", c.whisperModel); err != nil {
		return nil, fmt.Errorf("write model field: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return nil, fmt.Errorf("write format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	respBody, err := c.post(ctx, c.baseURL+"/audio/transcriptions", mw.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}

	// Shape check only; the orchestrator reads the transcript out.
	var probe struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &probe); err != nil || probe.Text == nil {
		return nil, &provider.Error{Provider: Name, Kind: provider.KindMalformed,
			Err: fmt.Errorf("transcription response missing text")}
	}

	return json.RawMessage(respBody), nil
}

func (c *Client) post(ctx context.Context, url, contentType string, body io.Reader) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

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
			Err:      fmt.Errorf("groq api error: %s", strings.TrimSpace(string(respBody))),
		}
	}

	return respBody, nil
}

func extFor(mimeType string) string {
	switch mimeType {
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav":
		return ".wav"
	default:
		return ".ogg"
	}
}
