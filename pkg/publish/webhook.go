package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client posts artifact payloads to a webhook endpoint.
type Client struct {
	httpClient *http.Client
	url        string
	authToken  string
	logger     *slog.Logger
}

// NewClient creates a webhook client. authToken may be empty; when set
// it is sent as a bearer token.
func NewClient(url, authToken string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
		authToken:  authToken,
		logger:     slog.Default().With("component", "publish-client"),
	}
}

// Receipt is what the receiving endpoint reports back for a published
// artifact: where it landed and the identifier it was assigned.
type Receipt struct {
	URL string `json:"url"`
	ID  string `json:"id"`
}

// Post sends one JSON payload and decodes the receipt. Non-2xx
// responses are errors; a 2xx with an undecodable body still counts as
// delivered, with an empty receipt.
func (c *Client) Post(ctx context.Context, payload any) (*Receipt, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal publish payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("publish request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("publish endpoint returned %d: %s", resp.StatusCode, string(snippet))
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		c.logger.Debug("Publish response had no decodable receipt", "error", err)
		return &Receipt{}, nil
	}
	return &receipt, nil
}
