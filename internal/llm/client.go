// Package llm is the thin HTTP client behind the intent verifier. It
// speaks the Ollama chat API, which also covers OpenAI-compatible
// gateways that accept the same shape; an API key, when configured, is
// sent as a bearer token.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/llmos/llmosd/internal/security"
)

// Client calls a chat model and parses its JSON verdict.
type Client struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
}

// New builds a client for the given endpoint. timeout bounds each request;
// the verifier layers its own deadline on top via context.
func New(baseURL, model, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
	Error   string      `json:"error,omitempty"`
}

// Verify implements security.VerifierClient. The model is instructed (via
// the composed system prompt) to answer with a single JSON object matching
// the VerificationResult shape.
func (c *Client) Verify(ctx context.Context, systemPrompt, planJSON string) (security.VerificationResult, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: planJSON},
		},
		Stream:  false,
		Format:  "json",
		Options: map[string]any{"temperature": 0},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return security.VerificationResult{}, fmt.Errorf("marshaling chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return security.VerificationResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return security.VerificationResult{}, fmt.Errorf("calling verifier model: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return security.VerificationResult{}, fmt.Errorf("reading verifier response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return security.VerificationResult{}, fmt.Errorf("verifier model returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return security.VerificationResult{}, fmt.Errorf("decoding verifier response: %w", err)
	}
	if chat.Error != "" {
		return security.VerificationResult{}, fmt.Errorf("verifier model error: %s", chat.Error)
	}

	return parseVerdict(chat.Message.Content)
}

// parseVerdict decodes the model's answer. Models occasionally wrap JSON
// in a code fence even when asked not to, so the fence is stripped first.
func parseVerdict(content string) (security.VerificationResult, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
		content = strings.TrimSpace(content)
	}

	var result security.VerificationResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return security.VerificationResult{}, fmt.Errorf("verifier answer is not valid JSON: %w", err)
	}
	if result.Verdict == "" {
		return security.VerificationResult{}, fmt.Errorf("verifier answer has no verdict")
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
