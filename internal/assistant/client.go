package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// NoResponse is returned in place of an empty completion
const NoResponse = "No response."

// ErrUnavailable wraps every failure to obtain a completion
var ErrUnavailable = errors.New("assistant service unavailable")

// Client queries a local Ollama-compatible generate endpoint
type Client struct {
	url    string
	model  string
	client *http.Client
}

// NewClient creates a Client
func NewClient(url, model string, timeout time.Duration) *Client {
	return &Client{
		url:    url,
		model:  model,
		client: &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Query sends prompt to the model and returns its trimmed answer
func (c *Client) Query(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: reading response body: %v", ErrUnavailable, err)
	}

	var out generateResponse
	if err := json.Unmarshal(respBody, &out); err != nil && resp.StatusCode == http.StatusOK {
		return "", fmt.Errorf("%w: unmarshalling response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(string(respBody))
		}
		return "", fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, msg)
	}

	answer := strings.TrimSpace(out.Response)
	if answer == "" {
		return NoResponse, nil
	}
	return answer, nil
}
