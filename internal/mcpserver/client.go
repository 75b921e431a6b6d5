package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/riskscore/internal/assess"
)

// Config holds the configuration for connecting to the risk API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	Timeout time.Duration
}

// RiskClient is a pure HTTP client for the risk API.
type RiskClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewRiskClient creates a new client for the risk API.
func NewRiskClient(cfg Config) *RiskClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		// Fresh assessments fan out to several upstreams with retries.
		timeout = 60 * time.Second
	}
	return &RiskClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *RiskClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// Assess runs a fresh assessment of one asset.
func (c *RiskClient) Assess(ctx context.Context, req assess.Request) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/assess", nil, req)
}

// GetProtocol returns the latest assessment of a catalog protocol.
func (c *RiskClient) GetProtocol(ctx context.Context, id string, refresh bool) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("history", "0")
	if refresh {
		q.Set("refresh", strconv.FormatBool(refresh))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/protocols/"+url.PathEscape(id), q, nil)
}

// ListProtocols returns the catalog with each protocol's latest verdict.
func (c *RiskClient) ListProtocols(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/protocols", nil, nil)
}

// Score returns the technical score and its explanation for one asset.
func (c *RiskClient) Score(ctx context.Context, chainName, network, identifier string) (json.RawMessage, error) {
	path := "/v1/score/" + url.PathEscape(chainName) + "/" + url.PathEscape(network) + "/" + url.PathEscape(identifier)
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}
