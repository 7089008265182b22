package agent

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/stationops/quartermaster/internal/agent/stream"
	"github.com/stationops/quartermaster/pkg/models"
)

// LLMProvider is the contract for model backends.
//
// Providers stream their native wire chunks untouched; the loop feeds them
// into a stream.Extractor keyed by the provider's WireShape tag. Chunk shape
// is never inferred from structure.
//
// Implementations must be safe for concurrent use.
type LLMProvider interface {
	// Stream sends a completion request and returns a channel of native
	// chunks. The channel is closed when the turn ends or fails; a failure
	// is delivered as a final chunk with Err set.
	Stream(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error)

	// Name returns the provider name for logging and metrics.
	Name() string

	// WireShape returns the provider tag selecting the extractor parse path.
	WireShape() stream.Provider
}

// CompletionRequest carries one model turn's inputs.
type CompletionRequest struct {
	// Model is the provider model identifier. Empty selects the provider default.
	Model string `json:"model"`

	// System sets the system prompt, handled out of band from messages.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in chronological order.
	Messages []models.Message `json:"messages"`

	// Tools lists the tool definitions offered to the model this turn.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// MaxTokens bounds the response length. Zero uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// ToolDefinition is the provider-facing description of one registered tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// StreamChunk is a tagged union of the two supported native wire shapes.
// Exactly one of Anthropic, OpenAI, or Err is set per chunk.
type StreamChunk struct {
	Anthropic *anthropic.MessageStreamEventUnion
	OpenAI    *openai.ChatCompletionStreamResponse
	Err       error
}
