package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/papertutor/papertutor/internal/adapter"
	"github.com/papertutor/papertutor/internal/openai"
)

// Ensure Producer implements adapter.Producer.
var _ adapter.Producer = (*Producer)(nil)

// Producer asks an OpenAI vision model to explain a question image.
type Producer struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
	org        string // optional organization ID
}

// Config holds configuration for the OpenAI producer.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://api.openai.com/v1
	Model          string // optional, defaults to gpt-4o
	MaxTokens      int    // optional, defaults to 1500
	Organization   string // optional
	RequestTimeout time.Duration
}

// New creates a Producer instance.
func New(cfg Config) (*Producer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1500
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &Producer{
		apiKey:    cfg.APIKey,
		baseURL:   baseURL,
		model:     model,
		maxTokens: maxTokens,
		org:       cfg.Organization,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Produce sends the image with the subject's system prompt and returns the
// first choice's text. An empty answer is an error.
func (p *Producer) Produce(ctx context.Context, req adapter.Request) (string, error) {
	if len(req.Image) == 0 {
		return "", adapter.ErrEmptyImage
	}

	payload := openai.ChatCompletionRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Messages: []openai.ChatMessage{
			{Role: "system", Content: adapter.SystemPrompt(req.Subject)},
			{Role: "user", Content: []openai.ContentPart{
				openai.TextPart(adapter.UserPrompt(req.Subject)),
				openai.ImagePart(req.MediaType, req.Image),
			}},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if p.org != "" {
		httpReq.Header.Set("OpenAI-Organization", p.org)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openai: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("openai: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
				Code    string `json:"code"`
			} `json:"error"`
		}
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			return "", fmt.Errorf("openai: http %d: %s (type=%s, code=%s)", resp.StatusCode, errResp.Error.Message, errResp.Error.Type, errResp.Error.Code)
		}
		return "", fmt.Errorf("openai: http %d: %s", resp.StatusCode, string(respBody))
	}

	var completion openai.ChatCompletionResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return "", fmt.Errorf("openai: unmarshal response: %w", err)
	}
	if len(completion.Choices) > 0 && completion.Choices[0].Message.Refusal != "" {
		return "", fmt.Errorf("openai: model refused: %s", completion.Choices[0].Message.Refusal)
	}
	text := strings.TrimSpace(completion.FirstText())
	if text == "" {
		return "", errors.New("openai: empty completion")
	}
	return text, nil
}
