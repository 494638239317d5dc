package transport

import (
	"fmt"
	"net/http"
)

// CredentialsProvider signs outgoing requests.
type CredentialsProvider interface {
	Apply(req *http.Request) error
}

// BasicAuth signs with a username and password.
type BasicAuth struct {
	Username string
	Password string
}

// NewBasicAuth validates and returns basic credentials.
func NewBasicAuth(username, password string) (*BasicAuth, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("basic auth requires username and password")
	}
	return &BasicAuth{Username: username, Password: password}, nil
}

func (b *BasicAuth) Apply(req *http.Request) error {
	req.SetBasicAuth(b.Username, b.Password)
	return nil
}

// BearerToken signs with a token.
type BearerToken struct {
	Token string
}

func (b *BearerToken) Apply(req *http.Request) error {
	if b.Token == "" {
		return fmt.Errorf("empty bearer token")
	}
	req.Header.Set("Authorization", "Bearer "+b.Token)
	return nil
}
