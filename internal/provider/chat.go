package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 10 << 20

var errEmptyContent = errors.New("empty response from API")

// statusError is a non-2xx reply from a backend.
type statusError struct {
	Status  int
	Message string
}

func (e *statusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("status=%d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("status=%d", e.Status)
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []ctxpkg.Message `json:"messages"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

type completion struct {
	Content string
	Model   string
	Usage   *Usage
}

// complete performs one chat-completions round trip.
func (c *Client) complete(ctx context.Context, apiKey string, messages []ctxpkg.Message) (completion, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       c.endpoint.Model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return completion{}, fmt.Errorf("marshal %s request: %w", c.endpoint.Name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		return completion{}, fmt.Errorf("create %s request: %w", c.endpoint.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	for k, v := range c.endpoint.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return completion{}, fmt.Errorf("%s request failed: %w", c.endpoint.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return completion{}, fmt.Errorf("read %s response: %w", c.endpoint.Name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return completion{}, &statusError{Status: resp.StatusCode, Message: apiErrorMessage(body)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return completion{}, fmt.Errorf("parse %s response: %s", c.endpoint.Name, truncate(string(body), 400))
	}
	if len(parsed.Choices) == 0 {
		return completion{}, errEmptyContent
	}
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return completion{}, errEmptyContent
	}
	return completion{Content: content, Model: parsed.Model, Usage: parsed.Usage}, nil
}

// apiErrorMessage extracts error.message (or a bare error string) from an
// error body.
func apiErrorMessage(body []byte) string {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Error) == 0 {
		return ""
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(envelope.Error, &obj); err == nil {
		return strings.TrimSpace(obj.Message)
	}
	var s string
	if err := json.Unmarshal(envelope.Error, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return ""
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
