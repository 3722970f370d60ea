package ai

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider is a chat completion backend.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// Embedder turns text into a vector for retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// StreamProvider is implemented by providers that can emit partial replies.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}
