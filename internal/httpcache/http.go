package httpcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mbd888/riskscore/internal/retry"
)

// maxBodyBytes caps how much of an upstream response is read.
const maxBodyBytes = 8 << 20

// Key builds a stable cache key from method, endpoint and parameters.
// url.Values.Encode sorts by parameter name, so parameter order never
// changes the key. Credentials must not be passed here.
func Key(method, endpoint string, params url.Values) string {
	k := strings.ToUpper(method) + " " + endpoint
	if len(params) > 0 {
		k += "?" + params.Encode()
	}
	return k
}

// GetRequest describes a JSON GET against an upstream.
type GetRequest struct {
	Source   string
	Endpoint string
	Params   url.Values
	// Secret parameters (API keys) are sent but never part of the cache key.
	Secret url.Values
	Header http.Header
	// Validate inspects a well-formed JSON body before it is cached. A
	// returned error fails the attempt; wrap it with retry.Permanent to
	// stop retrying.
	Validate func(body []byte) error
}

// GetJSON fetches req through the cache and decodes the payload into out.
// Only payloads that parse as JSON are cached.
func (c *Client) GetJSON(ctx context.Context, req GetRequest, out any) (*Result, error) {
	res, err := c.Do(ctx, Request{
		Source: req.Source,
		Key:    Key(http.MethodGet, req.Endpoint, req.Params),
		Fetch: func(ctx context.Context) ([]byte, error) {
			return c.fetchJSON(ctx, req)
		},
	})
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(res.Payload, out); err != nil {
			return nil, &DataUnavailable{Source: req.Source, Reason: "decode response: " + err.Error(), Err: err}
		}
	}
	return res, nil
}

func (c *Client) fetchJSON(ctx context.Context, req GetRequest) ([]byte, error) {
	u, err := url.Parse(req.Endpoint)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("parse endpoint: %w", err))
	}
	q := u.Query()
	for k, vs := range req.Params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	for k, vs := range req.Secret {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort cleanup

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
		if se.Retryable() {
			return nil, se
		}
		return nil, retry.Permanent(se)
	}
	if !json.Valid(body) {
		return nil, errors.New("upstream returned invalid JSON")
	}
	if req.Validate != nil {
		if err := req.Validate(body); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
