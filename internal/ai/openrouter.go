package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

const openRouterName = "openrouter"

// OpenRouterProvider talks to an OpenAI-compatible chat completions endpoint.
type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client
	// StreamClient has no global timeout; the request context bounds a stream.
	StreamClient *http.Client
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		APIKey:       apiKey,
		Model:        model,
		SiteURL:      siteURL,
		AppName:      appName,
		Client:       &http.Client{Timeout: 90 * time.Second},
		StreamClient: &http.Client{},
	}
}

type completionReq struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type apiErrorBody struct {
	Message string `json:"message"`
}

type completionResp struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *apiErrorBody `json:"error,omitempty"`
}

type completionChunk struct {
	Choices []struct {
		Delta chatMessage `json:"delta"`
	} `json:"choices"`
	Error *apiErrorBody `json:"error,omitempty"`
}

func (p *OpenRouterProvider) request(messages []Message, stream bool) (completionReq, map[string]string, error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return completionReq{}, nil, errors.New("openrouter: api key is required")
	}
	model := strings.TrimSpace(p.Model)
	if model == "" {
		return completionReq{}, nil, errors.New("openrouter: model is required")
	}
	headers := map[string]string{
		"Authorization": "Bearer " + p.APIKey,
		"HTTP-Referer":  p.SiteURL,
		"X-Title":       p.AppName,
	}
	return completionReq{Model: model, Messages: toWire(messages), Stream: stream}, headers, nil
}

func (p *OpenRouterProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	body, headers, err := p.request(messages, false)
	if err != nil {
		return "", err
	}
	resp, err := postJSON(ctx, p.Client, openRouterName, p.BaseURL+"/chat/completions", headers, body)
	if err != nil {
		return "", err
	}

	var decoded completionResp
	if err := decodeJSON(resp, &decoded); err != nil {
		return "", err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("openrouter: empty response")
	}
	return decoded.Choices[0].Message.Content, nil
}

var sseData = []byte("data:")

// StreamChat reads the server-sent event stream until [DONE].
func (p *OpenRouterProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, headers, err := p.request(messages, true)
		if err != nil {
			errs <- err
			return
		}
		resp, err := postJSON(ctx, streamClient(p.StreamClient, p.Client), openRouterName, p.BaseURL+"/chat/completions", headers, body)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		err = scanLines(resp.Body, func(line []byte) (bool, error) {
			// comments and event names carry no content
			if !bytes.HasPrefix(line, sseData) {
				return false, nil
			}
			data := bytes.TrimSpace(bytes.TrimPrefix(line, sseData))
			if string(data) == "[DONE]" {
				return true, nil
			}
			var decoded completionChunk
			if err := json.Unmarshal(data, &decoded); err != nil {
				return true, err
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				return true, errors.New(decoded.Error.Message)
			}
			if len(decoded.Choices) == 0 || decoded.Choices[0].Delta.Content == "" {
				return false, nil
			}
			select {
			case chunks <- decoded.Choices[0].Delta.Content:
				return false, nil
			case <-ctx.Done():
				return true, ctx.Err()
			}
		})
		if err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}
