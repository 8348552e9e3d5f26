package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPPublisher pushes committed markup to the external page store.
type HTTPPublisher struct {
	url    string
	token  string
	client *http.Client
}

func NewHTTPPublisher(url, token string) *HTTPPublisher {
	return &HTTPPublisher{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *HTTPPublisher) Publish(ctx context.Context, documentID, markup string) error {
	payload, err := json.Marshal(map[string]any{
		"documentId": documentID,
		"markup":     markup,
	})
	if err != nil {
		return fmt.Errorf("encode publish request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("call page store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("page store returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
