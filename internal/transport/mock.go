package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// HandlerFunc answers a mocked request.
type HandlerFunc func(req *Request) (*Response, error)

type route struct {
	method  string
	prefix  string
	handler HandlerFunc
}

// MockTransport provides a mock implementation for testing. Routes are
// matched by method and URL prefix; later registrations win.
type MockTransport struct {
	mu sync.Mutex

	routes []route

	// Request tracking
	Requests []*Request
}

// NewMockTransport creates a mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// Handle registers h for requests whose method matches (empty matches any)
// and whose URL starts with prefix.
func (m *MockTransport) Handle(method, prefix string, h HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = append(m.routes, route{method: method, prefix: prefix, handler: h})
}

// Respond registers a fixed response.
func (m *MockTransport) Respond(method, prefix string, resp *Response) {
	m.Handle(method, prefix, func(*Request) (*Response, error) {
		return resp, nil
	})
}

// Fail registers a transport-level error.
func (m *MockTransport) Fail(method, prefix string, err error) {
	m.Handle(method, prefix, func(*Request) (*Response, error) {
		return nil, err
	})
}

// Do mocks a request.
func (m *MockTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	var h HandlerFunc
	for i := len(m.routes) - 1; i >= 0; i-- {
		r := m.routes[i]
		if (r.method == "" || r.method == req.Method) && strings.HasPrefix(req.URL, r.prefix) {
			h = r.handler
			break
		}
	}
	m.mu.Unlock()

	if h == nil {
		return nil, &HTTPError{Method: req.Method, URL: req.URL, Response: NewResponse(http.StatusNotFound, nil)}
	}

	resp, err := h(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotModified || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		return resp, nil
	}
	return resp, &HTTPError{Method: req.Method, URL: req.URL, Response: resp}
}

// RequestsTo returns tracked requests with the given method and URL prefix.
func (m *MockTransport) RequestsTo(method, prefix string) []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Request
	for _, r := range m.Requests {
		if (method == "" || r.Method == method) && strings.HasPrefix(r.URL, prefix) {
			out = append(out, r)
		}
	}
	return out
}

// NewResponse builds a response with a JSON body. A []byte or string body is
// used as is.
func NewResponse(status int, body interface{}) *Response {
	resp := &Response{StatusCode: status, Header: make(http.Header)}
	switch b := body.(type) {
	case nil:
	case []byte:
		resp.Body = b
	case string:
		resp.Body = []byte(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			panic(fmt.Sprintf("mock response: %v", err))
		}
		resp.Body = data
	}
	return resp
}

// WithHeader sets a header and returns the response.
func (r *Response) WithHeader(key, value string) *Response {
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Header.Set(key, value)
	return r
}
