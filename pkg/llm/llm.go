// Package llm exposes the chat and embedding capabilities behind small
// interfaces so the retrieval and ingest pipelines never touch the provider
// SDK directly.
package llm

import (
	"context"
	"errors"
)

// Common errors.
var (
	// ErrEmptyInput indicates empty input was provided
	ErrEmptyInput = errors.New("empty input provided")

	// ErrInvalidAPIKey indicates authentication failure
	ErrInvalidAPIKey = errors.New("invalid API key")

	// ErrContextTooLong indicates the input exceeds the model's context window
	ErrContextTooLong = errors.New("input exceeds maximum context length")
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes one chat completion call.
type ChatRequest struct {
	// Model overrides the client default when set
	Model string

	Messages    []Message
	Temperature float32

	// JSONMode requests a JSON-object response format
	JSONMode bool

	// MaxTokens caps the completion length (0 = provider default)
	MaxTokens int
}

// ChatResponse is the completion plus usage accounting.
type ChatResponse struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// ChatModel is the chat capability.
type ChatModel interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Embedder is the embedding capability. EmbedBatch must accept a batch of
// inputs in a single provider call.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelName() string
}

// Provider bundles both capabilities plus model-name routing.
type Provider interface {
	ChatModel
	Embedder

	// Model returns the routine chat model name.
	Model() string

	// AdvancedModel returns the reasoning model name used for planning and
	// synthesis calls.
	AdvancedModel() string
}
