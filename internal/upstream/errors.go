package upstream

import "fmt"

// UpstreamError represents a non-2xx HTTP response from the inference
// server, carrying the status and raw body so callers can mirror them.
type UpstreamError struct {
	StatusCode int
	Body       []byte
	URL        string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error: status %d from %s", e.StatusCode, e.URL)
}
