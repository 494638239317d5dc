package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/TheMichaelB/recsync/internal/models"
)

// Headers exchanged with the storage service.
const (
	HeaderRetryAfter        = "Retry-After"
	HeaderBackoff           = "X-Weave-Backoff"
	HeaderTimestamp         = "X-Weave-Timestamp"
	HeaderAlert             = "X-Weave-Alert"
	HeaderLastModified      = "X-Last-Modified"
	HeaderIfModifiedSince   = "X-If-Modified-Since"
	HeaderIfUnmodifiedSince = "X-If-Unmodified-Since"
)

// Request is a single call against a storage URI.
type Request struct {
	Method string
	URL    string
	Body   []byte

	// Conditional timestamps in milliseconds. Zero leaves the header off.
	IfModifiedSince   int64
	IfUnmodifiedSince int64
}

// NewRequest creates a request. A non-nil body is encoded as JSON.
func NewRequest(method, url string, body interface{}) (*Request, error) {
	req := &Request{Method: method, URL: url}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		req.Body = data
	}
	return req, nil
}

// Response is a completed exchange. Non-2xx responses arrive wrapped in *HTTPError.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the body into v.
func (r *Response) JSON(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// NotModified reports a 304 reply to a conditional GET.
func (r *Response) NotModified() bool {
	return r.StatusCode == http.StatusNotModified
}

// BackoffHints returns the Retry-After and X-Weave-Backoff values in
// seconds. Missing or unparseable headers read as zero.
func (r *Response) BackoffHints() (retryAfter, backoff int64) {
	return headerSeconds(r.Header, HeaderRetryAfter), headerSeconds(r.Header, HeaderBackoff)
}

// ServerTimestamp returns X-Weave-Timestamp in milliseconds, or 0.
func (r *Response) ServerTimestamp() int64 {
	return headerMillis(r.Header, HeaderTimestamp)
}

// LastModified returns X-Last-Modified in milliseconds, or 0.
func (r *Response) LastModified() int64 {
	return headerMillis(r.Header, HeaderLastModified)
}

// Alert returns the raw X-Weave-Alert header.
func (r *Response) Alert() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get(HeaderAlert)
}

// Transport issues storage requests.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

func headerSeconds(h http.Header, name string) int64 {
	if h == nil {
		return 0
	}
	v := strings.TrimSpace(h.Get(name))
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func headerMillis(h http.Header, name string) int64 {
	if h == nil {
		return 0
	}
	v := h.Get(name)
	if v == "" {
		return 0
	}
	ms, err := models.SecondsToMillis(v)
	if err != nil {
		return 0
	}
	return ms
}
