package aiedit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CompletionInput is the context handed to the completion collaborator for
// one diagram edit.
type CompletionInput struct {
	DocumentContent string `json:"documentContent"`
	DiagramCode     string `json:"diagramCode"`
	Instruction     string `json:"instruction"`
}

// CompletionClient produces a proposed diagram source for an instruction.
type CompletionClient interface {
	Complete(ctx context.Context, input CompletionInput) (string, error)
}

// HTTPClient talks to an OpenAI-compatible completion endpoint.
type HTTPClient struct {
	url    string
	token  string
	model  string
	client *http.Client
}

func NewHTTPClient(url, token, model string) *HTTPClient {
	return &HTTPClient{
		url:    url,
		token:  token,
		model:  model,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *HTTPClient) Complete(ctx context.Context, input CompletionInput) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"model":           c.model,
		"documentContent": input.DocumentContent,
		"diagramCode":     input.DiagramCode,
		"instruction":     input.Instruction,
	})
	if err != nil {
		return "", fmt.Errorf("encode completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call completion endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read completion response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("completion endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return string(body), nil
}
