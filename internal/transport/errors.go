package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failed exchange by status code.
type ErrorKind int

const (
	KindServer ErrorKind = iota
	KindBackoff
	KindUnauthorized
	KindNotFound
	KindPrecondition
	KindClient
)

func (k ErrorKind) String() string {
	switch k {
	case KindBackoff:
		return "backoff"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not found"
	case KindPrecondition:
		return "precondition failed"
	case KindClient:
		return "client error"
	default:
		return "server error"
	}
}

// HTTPError is returned for any non-2xx, non-304 response.
type HTTPError struct {
	Method   string
	URL      string
	Response *Response
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d (%s)", e.Method, e.URL, e.Response.StatusCode, e.Kind())
}

// Kind classifies the status code.
func (e *HTTPError) Kind() ErrorKind {
	switch code := e.Response.StatusCode; {
	case code == http.StatusServiceUnavailable, code == http.StatusTooManyRequests:
		return KindBackoff
	case code == http.StatusUnauthorized:
		return KindUnauthorized
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusPreconditionFailed:
		return KindPrecondition
	case code >= 400 && code < 500:
		return KindClient
	default:
		return KindServer
	}
}

// AsHTTPError extracts an *HTTPError from err.
func AsHTTPError(err error) (*HTTPError, bool) {
	var herr *HTTPError
	if errors.As(err, &herr) {
		return herr, true
	}
	return nil, false
}

// IsKind reports whether err is an HTTP failure of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	herr, ok := AsHTTPError(err)
	return ok && herr.Kind() == kind
}

// IsNotFound is shorthand for IsKind(err, KindNotFound).
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}
