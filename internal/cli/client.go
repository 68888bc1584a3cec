package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/me/cromrunner/internal/status"
)

// Client reads a running batch's status server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a status API client.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     logger,
	}
}

// apiResponse is the parsed envelope.
type apiResponse struct {
	Status    string           `json:"status"`
	RequestID string           `json:"request_id"`
	Data      json.RawMessage  `json:"data"`
	Error     *status.APIError `json:"error"`
}

// Get performs a GET request and returns the parsed envelope.
func (c *Client) Get(ctx context.Context, path string) (*apiResponse, error) {
	url := c.BaseURL + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	reqID := "cli_" + uuid.New().String()[:8]
	req.Header.Set("X-Request-ID", reqID)

	c.Logger.Debug("HTTP request", "method", http.MethodGet, "url", url, "request_id", reqID)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.Logger.Debug("HTTP response", "status", resp.StatusCode, "body", string(body))

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response (status %d): %w\nbody: %s", resp.StatusCode, err, string(body))
	}
	if apiResp.Status == "error" && apiResp.Error != nil {
		return &apiResp, fmt.Errorf("%s: %s", apiResp.Error.Code, apiResp.Error.Message)
	}
	return &apiResp, nil
}
