// Package creds loads the account credentials used to talk to the storage
// service and to unlock collection keys.
package creds

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"golang.org/x/text/unicode/norm"

	"github.com/TheMichaelB/recsync/internal/crypto"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/transport"
)

// Credentials is the JSON credential document.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`

	// SyncKey is an explicit key bundle. Without it the bundle is derived
	// from Passphrase.
	SyncKey    *crypto.KeyBundle `json:"sync_key,omitempty"`
	Passphrase string            `json:"passphrase,omitempty"`
}

// Parse decodes and validates a credential document.
func Parse(data []byte) (*Credentials, error) {
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	c.Username = NormalizeUsername(c.Username)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that everything needed for a sync is present.
func (c *Credentials) Validate() error {
	if c.Username == "" || c.Password == "" {
		return fmt.Errorf("%w: username and password are required", models.ErrNoCredentials)
	}
	if c.SyncKey == nil && c.Passphrase == "" {
		return fmt.Errorf("%w: either sync_key or passphrase is required", models.ErrNoCredentials)
	}
	if c.SyncKey != nil {
		if err := c.SyncKey.Validate(); err != nil {
			return fmt.Errorf("%w: sync_key: %v", models.ErrNoCredentials, err)
		}
	}
	return nil
}

// NormalizeUsername applies NFKC and trims whitespace, so the same account
// typed on different devices derives the same keys.
func NormalizeUsername(s string) string {
	return strings.TrimSpace(norm.NFKC.String(s))
}

// BasicAuth returns the request signer for the storage service.
func (c *Credentials) BasicAuth() (*transport.BasicAuth, error) {
	return transport.NewBasicAuth(c.Username, c.Password)
}

// KeyBundle returns the account sync key.
func (c *Credentials) KeyBundle() (*crypto.KeyBundle, error) {
	if c.SyncKey != nil {
		return c.SyncKey, nil
	}
	return crypto.DeriveSyncKey(c.Username, c.Passphrase)
}

// LoadFromFile loads credentials from a local file path.
func LoadFromFile(path string) (*Credentials, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return Parse(b)
}

// SecretsAPI is the subset of the Secrets Manager client used here.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// LoadFromSecret loads credentials from Secrets Manager by name or ARN.
func LoadFromSecret(ctx context.Context, secretID string) (*Credentials, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return LoadFromSecretWithClient(ctx, secretsmanager.NewFromConfig(cfg), secretID)
}

// LoadFromSecretWithClient is LoadFromSecret with an explicit client.
func LoadFromSecretWithClient(ctx context.Context, sm SecretsAPI, secretID string) (*Credentials, error) {
	out, err := sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &secretID})
	if err != nil {
		return nil, fmt.Errorf("get secret value: %w", err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret has no string payload")
	}
	return Parse([]byte(*out.SecretString))
}

// Load picks the source configured for the account: a secret when secretID
// is set, otherwise the file.
func Load(ctx context.Context, file, secretID string) (*Credentials, error) {
	switch {
	case secretID != "":
		return LoadFromSecret(ctx, secretID)
	case file != "":
		return LoadFromFile(file)
	default:
		return nil, fmt.Errorf("%w: set account.credentials_file or account.secret_id", models.ErrNoCredentials)
	}
}
