// Package llm talks to an OpenAI-compatible provider for text generation and
// embeddings. Everything upstream of it works with plain prompts and plain
// text back; chat framing stays inside this package.
package llm

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
)

// ErrEmptyGeneration reports a provider response whose text was empty or
// whitespace-only. The returned GenerateResult still carries the finish
// reason so callers can report why.
var ErrEmptyGeneration = errors.New("provider returned empty generation")

// ProviderError is a non-2xx response from the provider.
type ProviderError struct {
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.Status, e.Body)
}

// Client communicates with an OpenAI-compatible API over HTTP.
type Client struct {
	baseURL       string
	apiKey        string
	generateModel string
	embedModel    string
	maxTokens     int
	httpClient    *http.Client
}

// New creates a Client. generateModel and embedModel are the defaults used
// when a request doesn't name a model; maxTokens is the hard ceiling any
// per-request value is clamped to.
func New(baseURL, apiKey, generateModel, embedModel string, maxTokens int) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		generateModel: generateModel,
		embedModel:    embedModel,
		maxTokens:     maxTokens,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// GenerateRequest is one text generation call. Zero values fall back to the
// client defaults.
type GenerateRequest struct {
	Model       string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Usage reports provider-side token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerateResult is the provider's answer to a GenerateRequest.
type GenerateResult struct {
	Text         string
	FinishReason string
	Usage        Usage
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the JSON body for POST /v1/chat/completions.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// chatResponse is the JSON returned by POST /v1/chat/completions.
type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Generate sends the prompt as a single user message and returns the
// assistant's reply. Temperature is clamped to [0, 1] and MaxTokens to the
// client ceiling. A whitespace-only reply returns ErrEmptyGeneration together
// with a result carrying the finish reason.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	model := req.Model
	if model == "" {
		model = c.generateModel
	}
	temp := req.Temperature
	if temp < 0 {
		temp = 0
	}
	if temp > 1 {
		temp = 1
	}
	tokens := req.MaxTokens
	if tokens <= 0 || tokens > c.maxTokens {
		tokens = c.maxTokens
	}

	cr := chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: temp,
		MaxTokens:   tokens,
	}

	var result chatResponse
	if err := c.post(ctx, "/v1/chat/completions", cr, &result); err != nil {
		return GenerateResult{}, err
	}
	if len(result.Choices) == 0 {
		return GenerateResult{}, fmt.Errorf("generate: response contained no choices")
	}

	choice := result.Choices[0]
	out := GenerateResult{
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        result.Usage,
	}
	if strings.TrimSpace(out.Text) == "" {
		return out, fmt.Errorf("finish reason %q: %w", out.FinishReason, ErrEmptyGeneration)
	}
	return out, nil
}

// embedRequest is the JSON body for POST /v1/embeddings.
type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// embedResponse is the JSON returned by POST /v1/embeddings.
type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for the given text using the client's
// embedding model.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var result embedResponse
	if err := c.post(ctx, "/v1/embeddings", embedRequest{Model: c.embedModel, Input: text}, &result); err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("embed: empty embeddings array")
	}
	return result.Data[0].Embedding, nil
}

// post marshals body, sends it to path, and decodes a 200 response into out.
// Non-2xx responses become *ProviderError with a truncated body for context.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ProviderError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
