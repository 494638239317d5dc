package creds_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/recsync/internal/creds"
	"github.com/TheMichaelB/recsync/internal/crypto"
	"github.com/TheMichaelB/recsync/internal/models"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{"passphrase", `{"username":"alice","password":"pw","passphrase":"correct horse"}`, false},
		{"missing password", `{"username":"alice","passphrase":"x"}`, true},
		{"missing key material", `{"username":"alice","password":"pw"}`, true},
		{"not json", `nope`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := creds.Parse([]byte(tt.doc))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "alice", c.Username)
		})
	}
}

func TestParseExplicitSyncKey(t *testing.T) {
	kb, err := crypto.GenerateKeyBundle()
	require.NoError(t, err)
	doc, err := json.Marshal(map[string]interface{}{"username": "alice", "password": "pw", "sync_key": kb})
	require.NoError(t, err)

	c, err := creds.Parse(doc)
	require.NoError(t, err)

	got, err := c.KeyBundle()
	require.NoError(t, err)
	assert.True(t, kb.Equal(got))
}

func TestKeyBundleDerivedFromPassphrase(t *testing.T) {
	a, err := creds.Parse([]byte(`{"username":"alice","password":"pw","passphrase":"correct horse"}`))
	require.NoError(t, err)
	b, err := creds.Parse([]byte(`{"username":" ａｌｉｃｅ ","password":"other","passphrase":"correct horse"}`))
	require.NoError(t, err)

	assert.Equal(t, "alice", b.Username)

	ka, err := a.KeyBundle()
	require.NoError(t, err)
	kb, err := b.KeyBundle()
	require.NoError(t, err)
	assert.True(t, ka.Equal(kb))
}

func TestBasicAuth(t *testing.T) {
	c, err := creds.Parse([]byte(`{"username":"alice","password":"pw","passphrase":"x"}`))
	require.NoError(t, err)

	auth, err := c.BasicAuth()
	require.NoError(t, err)
	assert.Equal(t, "alice", auth.Username)
	assert.Equal(t, "pw", auth.Password)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"username":"alice","password":"pw","passphrase":"x"}`), 0600))

	c, err := creds.Load(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Username)

	_, err = creds.Load(context.Background(), "", "")
	assert.ErrorIs(t, err, models.ErrNoCredentials)
}

type fakeSecrets struct {
	value *string
}

func (f fakeSecrets) GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	return &secretsmanager.GetSecretValueOutput{SecretString: f.value}, nil
}

func TestLoadFromSecretWithClient(t *testing.T) {
	doc := `{"username":"alice","password":"pw","passphrase":"x"}`
	c, err := creds.LoadFromSecretWithClient(context.Background(), fakeSecrets{value: &doc}, "recsync/alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Username)

	_, err = creds.LoadFromSecretWithClient(context.Background(), fakeSecrets{}, "recsync/alice")
	assert.Error(t, err)
}
