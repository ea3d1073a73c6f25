// Package client talks to the remote collector that receives change-sets
// and file content from the agent.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client is the collector API client
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	agentID    string
}

// Config holds the client configuration
type Config struct {
	BaseURL    string        // Collector base URL (e.g., "https://collector.example.com")
	APIKey     string        // Optional API key for authentication
	AgentID    string        // Sent with every request as X-Agent-ID
	Timeout    time.Duration // HTTP client timeout (default: 30s)
	HTTPClient *http.Client  // Optional custom HTTP client
}

// NewClient creates a new collector client
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		apiKey:     cfg.APIKey,
		agentID:    cfg.AgentID,
	}
}

// BaseURL returns the collector URL the client posts to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// doRequest performs a JSON request with proper error handling
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}
	return c.do(ctx, method, path, "application/json", reqBody, nil, result)
}

// doUpload streams an archive body; headers carry the metadata
func (c *Client) doUpload(ctx context.Context, path string, body io.Reader, headers map[string]string, result interface{}) error {
	return c.do(ctx, http.MethodPost, path, "application/zip", body, headers, result)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, headers map[string]string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if req.Header.Get(HeaderRequestID) == "" {
		req.Header.Set(HeaderRequestID, uuid.NewString())
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.agentID != "" {
		req.Header.Set(HeaderAgentID, c.agentID)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	// Perform request
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Read response body
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	// Check for errors
	if resp.StatusCode >= 400 {
		var apiErr APIError
		if err := json.Unmarshal(respBody, &apiErr); err != nil || apiErr.Message == "" {
			return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		}
		apiErr.StatusCode = resp.StatusCode
		return &apiErr
	}

	// Parse success response
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}
