package ai

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"
)

const ollamaName = "ollama"

type OllamaProvider struct {
	BaseURL        string
	Model          string
	EmbeddingModel string
	Client         *http.Client
	// StreamClient has no global timeout; the request context bounds a stream.
	StreamClient *http.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		Model:          model,
		EmbeddingModel: "nomic-embed-text",
		Client:         &http.Client{Timeout: 90 * time.Second},
		StreamClient:   &http.Client{},
	}
}

// WithEmbeddingModel overrides the model used by Embed.
func (p *OllamaProvider) WithEmbeddingModel(model string) *OllamaProvider {
	if strings.TrimSpace(model) != "" {
		p.EmbeddingModel = model
	}
	return p
}

type ollamaChatReq struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// ollamaChatResp is both the full answer and one line of a stream.
type ollamaChatResp struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error,omitempty"`
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	resp, err := postJSON(ctx, p.Client, ollamaName, p.BaseURL+"/api/chat", nil,
		ollamaChatReq{Model: p.Model, Messages: toWire(messages)})
	if err != nil {
		return "", err
	}
	var decoded ollamaChatResp
	if err := decodeJSON(resp, &decoded); err != nil {
		return "", err
	}
	if decoded.Error != "" {
		return "", errors.New(decoded.Error)
	}
	return decoded.Message.Content, nil
}

// StreamChat reads Ollama's newline-delimited JSON stream. Both channels are closed when
// the stream ends.
func (p *OllamaProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		resp, err := postJSON(ctx, streamClient(p.StreamClient, p.Client), ollamaName, p.BaseURL+"/api/chat", nil,
			ollamaChatReq{Model: p.Model, Messages: toWire(messages), Stream: true})
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		err = scanLines(resp.Body, func(line []byte) (bool, error) {
			var decoded ollamaChatResp
			if err := json.Unmarshal(line, &decoded); err != nil {
				return true, err
			}
			if decoded.Error != "" {
				return true, errors.New(decoded.Error)
			}
			if decoded.Message.Content != "" {
				select {
				case chunks <- decoded.Message.Content:
				case <-ctx.Done():
					return true, ctx.Err()
				}
			}
			return decoded.Done, nil
		})
		if err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}

type ollamaEmbeddingReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResp struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// Embed returns an L2-normalised embedding so cosine distance works on raw dot products.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := postJSON(ctx, p.Client, ollamaName, p.BaseURL+"/api/embeddings", nil,
		ollamaEmbeddingReq{Model: p.EmbeddingModel, Prompt: text})
	if err != nil {
		return nil, err
	}
	var decoded ollamaEmbeddingResp
	if err := decodeJSON(resp, &decoded); err != nil {
		return nil, err
	}
	if decoded.Error != "" {
		return nil, errors.New(decoded.Error)
	}
	if len(decoded.Embedding) == 0 {
		return nil, errors.New("ollama: empty embedding")
	}

	values := make([]float32, len(decoded.Embedding))
	for i, v := range decoded.Embedding {
		values[i] = float32(v)
	}
	return Normalize(values), nil
}

// Normalize scales vec to unit length. A zero vector is returned unchanged.
func Normalize(vec []float32) []float32 {
	var magnitude float64
	for _, v := range vec {
		magnitude += float64(v) * float64(v)
	}
	magnitude = math.Sqrt(magnitude)
	if magnitude == 0 {
		return vec
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / magnitude)
	}
	return out
}
