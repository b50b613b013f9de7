package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lexatlas/lexrag/pkg/ratelimit"
)

const (
	defaultModel          = "gpt-4o-mini"
	defaultAdvancedModel  = "gpt-4o"
	defaultEmbeddingModel = "text-embedding-3-small"
)

// Model dimensions for OpenAI embedding models.
var modelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// Config holds OpenAI-compatible provider configuration.
type Config struct {
	// APIKey is required
	APIKey string

	// BaseURL overrides the endpoint for compatible providers
	BaseURL string

	// Model is the routine chat model
	Model string

	// AdvancedModel is used for planning, synthesis and report sections
	AdvancedModel string

	// EmbeddingModel is the embedding model
	EmbeddingModel string

	// RoutineTimeout bounds routine chat and embedding calls;
	// ReasoningTimeout bounds calls to the advanced model.
	RoutineTimeout   time.Duration
	ReasoningTimeout time.Duration
}

// Client implements Provider over the OpenAI API. All calls go through the
// shared rate-limited executor.
type Client struct {
	api       *openai.Client
	cfg       Config
	exec      *ratelimit.Executor
	dimension int
}

// NewClient creates a provider client. exec must not be nil: every outbound
// call is budgeted.
func NewClient(cfg Config, exec *ratelimit.Executor) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if exec == nil {
		return nil, fmt.Errorf("rate-limited executor is required")
	}

	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.AdvancedModel == "" {
		cfg.AdvancedModel = defaultAdvancedModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = defaultEmbeddingModel
	}
	if cfg.RoutineTimeout <= 0 {
		cfg.RoutineTimeout = 60 * time.Second
	}
	if cfg.ReasoningTimeout <= 0 {
		cfg.ReasoningTimeout = 300 * time.Second
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	dimension, ok := modelDimensions[cfg.EmbeddingModel]
	if !ok {
		dimension = 1536
	}

	return &Client{
		api:       openai.NewClientWithConfig(apiCfg),
		cfg:       cfg,
		exec:      exec,
		dimension: dimension,
	}, nil
}

// Model returns the routine chat model name.
func (c *Client) Model() string { return c.cfg.Model }

// AdvancedModel returns the reasoning model name.
func (c *Client) AdvancedModel() string { return c.cfg.AdvancedModel }

// Chat performs one chat completion through the rate limiter.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, ErrEmptyInput
	}

	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	timeout := c.cfg.RoutineTimeout
	if model == c.cfg.AdvancedModel {
		timeout = c.cfg.ReasoningTimeout
	}

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	apiReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		apiReq.MaxTokens = req.MaxTokens
	}
	if req.JSONMode {
		apiReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := ratelimit.Call(ctx, c.exec, "chat", func(ctx context.Context) (openai.ChatCompletionResponse, error) {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		out, err := c.api.CreateChatCompletion(cctx, apiReq)
		return out, mapError(err)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no completion returned")
	}

	return &ChatResponse{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// Embed converts a single text into a vector embedding.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}

	embeddings, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}

// EmbedBatch converts multiple texts into vector embeddings in one provider
// call. Empty inputs are filtered before the call and come back as zero
// vectors, preserving positions.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	// Filter empty texts
	validTexts := make([]string, 0, len(texts))
	validIndices := make([]int, 0, len(texts))
	for i, text := range texts {
		if text != "" {
			validTexts = append(validTexts, text)
			validIndices = append(validIndices, i)
		}
	}
	if len(validTexts) == 0 {
		return nil, ErrEmptyInput
	}

	resp, err := ratelimit.Call(ctx, c.exec, "embed", func(ctx context.Context) (openai.EmbeddingResponse, error) {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.RoutineTimeout)
		defer cancel()
		out, err := c.api.CreateEmbeddings(cctx, openai.EmbeddingRequest{
			Input: validTexts,
			Model: openai.EmbeddingModel(c.cfg.EmbeddingModel),
		})
		return out, mapError(err)
	})
	if err != nil {
		return nil, err
	}

	// Build result array preserving original order
	results := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < len(validIndices) {
			results[validIndices[data.Index]] = data.Embedding
		}
	}

	// Zero vectors for empty input texts
	for i, text := range texts {
		if text == "" {
			results[i] = make([]float32, c.dimension)
		}
	}

	return results, nil
}

// Dimension returns the embedding dimension for the configured model.
func (c *Client) Dimension() int { return c.dimension }

// ModelName returns the embedding model name.
func (c *Client) ModelName() string { return c.cfg.EmbeddingModel }

// mapError translates provider errors into the package taxonomy. Rate-limit
// rejections keep the provider message so the executor can parse the
// suggested wait.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized:
			return ErrInvalidAPIKey
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", ratelimit.ErrRateLimited, apiErr.Message)
		case http.StatusBadRequest:
			if code, ok := apiErr.Code.(string); ok && code == "context_length_exceeded" {
				return ErrContextTooLong
			}
		}
	}
	return err
}
