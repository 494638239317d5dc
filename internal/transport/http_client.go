package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"

	"github.com/TheMichaelB/recsync/internal/config"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
)

// HTTPClient handles HTTP communication with the storage service.
type HTTPClient struct {
	client      *http.Client
	userAgent   string
	credentials CredentialsProvider
	logger      *events.Logger

	// Retry configuration
	maxRetries int
	retryDelay time.Duration
}

// NewHTTPClient creates an HTTP client. Bad configuration fails here, before
// any request is made.
func NewHTTPClient(cfg *config.APIConfig, creds CredentialsProvider, logger *events.Logger) (*HTTPClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: missing api config", models.ErrInvalidConfig)
	}
	if creds == nil {
		return nil, models.ErrNoCredentials
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max_retries must be >= 0", models.ErrInvalidConfig)
	}

	// Create transport with HTTP/2 support
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		userAgent:   cfg.UserAgent,
		credentials: creds,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  time.Second,
		logger:      logger.WithField("component", "http_client"),
	}, nil
}

// Do executes req. Network failures are retried with exponential backoff;
// HTTP status failures never are, since the server's backoff hints must
// reach the caller.
func (c *HTTPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	if _, err := url.ParseRequestURI(req.URL); err != nil {
		return nil, fmt.Errorf("%w: bad request url %q", models.ErrInvalidConfig, req.URL)
	}

	c.logger.WithFields(map[string]interface{}{
		"method": req.Method,
		"url":    req.URL,
		"size":   len(req.Body),
	}).Debug("Sending request")

	var resp *Response
	err := c.retry(ctx, func() error {
		var err error
		resp, err = c.do(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(map[string]interface{}{
		"status": resp.StatusCode,
		"size":   len(resp.Body),
	}).Debug("Received response")

	if resp.StatusCode == http.StatusNotModified || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		return resp, nil
	}
	return resp, &HTTPError{Method: req.Method, URL: req.URL, Response: resp}
}

func (c *HTTPClient) do(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &permanentError{fmt.Errorf("create request: %w", err)}
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.IfModifiedSince > 0 {
		httpReq.Header.Set(HeaderIfModifiedSince, models.MillisToSeconds(req.IfModifiedSince))
	}
	if req.IfUnmodifiedSince > 0 {
		httpReq.Header.Set(HeaderIfUnmodifiedSince, models.MillisToSeconds(req.IfUnmodifiedSince))
	}
	if err := c.credentials.Apply(httpReq); err != nil {
		return nil, &permanentError{fmt.Errorf("sign request: %w", err)}
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

// permanentError marks failures that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// retry executes a function with exponential backoff.
func (c *HTTPClient) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay,
			}).Debug("Retrying request")

			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableError(err) {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryableError reports whether err is a transient network failure.
func isRetryableError(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
