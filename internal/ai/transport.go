package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StatusError is a non-2xx answer from a provider endpoint.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func toWire(messages []Message) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, chatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// postJSON sends payload and returns the response only when the status is 2xx.
// The caller closes the body.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, payload any) (*http.Response, error) {
	if client == nil {
		return nil, fmt.Errorf("%s: http client is nil", provider)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, &StatusError{Provider: provider, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

func decodeJSON(resp *http.Response, out any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

// scanLines calls fn for each non-empty line until fn asks to stop or the body ends.
func scanLines(r io.Reader, fn func(line []byte) (stop bool, err error)) error {
	sc := bufio.NewScanner(r)
	// long JSON lines
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		stop, err := fn(line)
		if err != nil || stop {
			return err
		}
	}
	return sc.Err()
}

// streamClient prefers the client without a global timeout.
func streamClient(stream, fallback *http.Client) *http.Client {
	if stream != nil {
		return stream
	}
	return fallback
}
