// Package upstream is the HTTP client for the OpenAI-compatible
// inference server the gateway fronts. It offers buffered POSTs whose
// status and body are mirrored back to callers, an unbounded chunked
// byte stream for SSE relaying, and model listing.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/nkamura/llm-gateway/pkg/api"
)

// Chunk is one element of a relayed byte stream. At most the final
// chunk carries a non-nil Err (transport failure mid-stream).
type Chunk struct {
	Data []byte
	Err  error
}

// Result is a fully buffered upstream response. Any HTTP status is a
// valid Result; transport failures are returned as errors instead.
type Result struct {
	StatusCode int
	Body       []byte
}

// Client is the shared process-wide connection to the upstream. The
// underlying http.Client deliberately has no timeout: token generation
// may legitimately take minutes, and cancellation is driven by the
// inbound request context instead.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		logger:  logger,
	}
}

// ListModels fetches /v1/models and returns the advertised model IDs
// in listing order.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	url := c.baseURL + "/v1/models"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model listing failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: respBody, URL: url}
	}

	var list api.ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode model listing: %w", err)
	}

	return list.IDs(), nil
}

// Post issues a buffered JSON POST. The Result mirrors whatever the
// upstream returned, success or failure; only transport-level problems
// surface as errors.
func (c *Client) Post(ctx context.Context, path string, payload interface{}) (*Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Result{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// Stream opens a long-lived POST and relays the response body as raw
// byte chunks, exactly as received: no parsing, no reframing, no
// buffering beyond the read window. Empty reads are suppressed. A
// non-2xx response fails with *UpstreamError before any chunk is
// produced. The channel closes on upstream EOF; a mid-stream transport
// error is delivered as a final Chunk with Err set. Cancelling ctx
// aborts the upstream call and closes the channel.
func (c *Client) Stream(ctx context.Context, path string, payload interface{}, headers map[string]string) (<-chan Chunk, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: respBody, URL: url}
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer func() {
			_ = resp.Body.Close()
		}()

		buf := make([]byte, 32*1024)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case out <- Chunk{Data: data}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err == io.EOF || ctx.Err() != nil {
					return
				}
				c.logger.Warn("upstream stream interrupted", zap.String("url", url), zap.Error(err))
				select {
				case out <- Chunk{Err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	return out, nil
}

// Close releases pooled connections. The client must not be used after.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}
