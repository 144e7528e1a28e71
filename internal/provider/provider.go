// Package provider talks to chat-completion LLM backends and normalizes every
// outcome, success or failure, into a Result.
package provider

import (
	"context"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
)

// User-facing failure texts.
const (
	RateLimitedMessage = "API rate limit exceeded. Please try again in a moment."
	GenericFailureText = "Failed to get response from API"
)

// Usage is the token accounting reported by a backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the single normalized outcome of a provider call. On success
// Content is non-empty and trimmed; on failure Error carries a message fit to
// show the user.
type Result struct {
	Success  bool
	Content  string
	Model    string
	Provider string
	Usage    *Usage
	Error    string
	// Status is the last HTTP status seen, 0 when no response was received.
	Status int
}

// Failure builds a failed Result.
func Failure(provider, message string) Result {
	return Result{Provider: provider, Error: message}
}

// Provider is one LLM backend.
type Provider interface {
	Name() string
	Model() string
	// IsConfigured reports whether a credential is present right now.
	IsConfigured() bool
	SendMessage(ctx context.Context, messages []ctxpkg.Message) Result
}
