// Package client talks to the challenge endpoint of a running devblas server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StatusError is returned for non-200 responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Client sends challenges to a devblas server.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a client for the server at baseURL, e.g. "http://localhost:9464".
// A nil httpClient uses http.DefaultClient.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
	}
}

// SendChallenge posts a challenge and returns the raw JSON result.
func (c *Client) SendChallenge(ctx context.Context, challengeType string, payload interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]interface{}{
		"type":    challengeType,
		"payload": payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal challenge: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/challenge", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// Call posts a challenge and decodes the result into out.
func (c *Client) Call(ctx context.Context, challengeType string, payload, out interface{}) error {
	raw, err := c.SendChallenge(ctx, challengeType, payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
