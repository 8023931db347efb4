// Package providers abstracts LLM completion and embedding backends behind
// small interfaces so the cache layer never depends on a vendor API.
// Concrete adapters are injected at construction time; when none is
// configured the deterministic placeholder stands in so cache and dedup
// logic stay exercisable without a live provider.
package providers

import (
	"context"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request carries normalized chat parameters for a completion call.
type Request struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`

	// Stream and Timeout are volatile per-call fields; they never affect
	// the cache identity of a request.
	Stream  bool          `json:"stream,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Choice is one completion alternative.
type Choice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// Response is a structured completion result.
type Response struct {
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Usage reports token accounting when the backend provides it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CompletionProvider produces chat completions.
type CompletionProvider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
	HealthCheck(ctx context.Context) error
}

// EmbeddingProvider produces vector embeddings for text inputs.
type EmbeddingProvider interface {
	Name() string
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}
