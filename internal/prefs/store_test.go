package prefs_test

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/recsync/internal/config"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/prefs"
)

func testLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

func TestMemoryStore(t *testing.T) {
	store := prefs.NewMemoryStore()
	defer store.Close()

	testStoreOperations(t, store)
}

func TestJSONStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")

	store, err := prefs.NewJSONStore(path, testLogger())
	require.NoError(t, err)
	defer store.Close()

	testStoreOperations(t, store)
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "prefs.db")

	store, err := prefs.NewSQLiteStore(dbPath, testLogger())
	require.NoError(t, err)
	defer store.Close()

	testStoreOperations(t, store)
}

func TestDynamoDBStore(t *testing.T) {
	store, err := prefs.NewDynamoDBStoreWithClient(newFakeDynamo(), "prefs", testLogger())
	require.NoError(t, err)
	defer store.Close()

	testStoreOperations(t, store)
}

func testStoreOperations(t *testing.T, store prefs.Store) {
	t.Run("get missing", func(t *testing.T) {
		v, ok, err := store.Get("sync.missing")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, v)
	})

	t.Run("put and get", func(t *testing.T) {
		require.NoError(t, store.Put("sync.clusterURL", "https://node1.example.org/"))

		v, ok, err := store.Get("sync.clusterURL")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "https://node1.example.org/", v)
	})

	t.Run("put all and keys", func(t *testing.T) {
		require.NoError(t, store.PutAll(map[string]string{
			"sync.bookmarks.local":  "100",
			"sync.bookmarks.remote": "200",
			"sync.history.local":    "300",
		}))

		keys, err := store.Keys("sync.bookmarks.")
		require.NoError(t, err)
		assert.Equal(t, []string{"sync.bookmarks.local", "sync.bookmarks.remote"}, keys)
	})

	t.Run("typed helpers", func(t *testing.T) {
		require.NoError(t, prefs.PutInt64(store, "backoff.earliest", 1234567890123))
		n, err := prefs.GetInt64(store, "backoff.earliest", 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1234567890123), n)

		n, err = prefs.GetInt64(store, "backoff.absent", 42)
		require.NoError(t, err)
		assert.Equal(t, int64(42), n)

		require.NoError(t, prefs.PutBool(store, "sync.deactivated", true))
		b, err := prefs.GetBool(store, "sync.deactivated", false)
		require.NoError(t, err)
		assert.True(t, b)
	})

	t.Run("delete prefix", func(t *testing.T) {
		require.NoError(t, prefs.DeletePrefix(store, "sync.bookmarks."))

		keys, err := store.Keys("sync.bookmarks.")
		require.NoError(t, err)
		assert.Empty(t, keys)

		_, ok, err := store.Get("sync.history.local")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("branch", func(t *testing.T) {
		branch := prefs.NewBranch(store, "engine").Sub("forms")
		assert.Equal(t, "engine.forms.", branch.Prefix())

		require.NoError(t, branch.Put("syncID", "abcdefghijkl"))
		v, ok, err := store.Get("engine.forms.syncID")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "abcdefghijkl", v)

		keys, err := branch.Keys("")
		require.NoError(t, err)
		assert.Equal(t, []string{"syncID"}, keys)

		require.NoError(t, branch.Delete("syncID"))
		_, ok, err = branch.Get("syncID")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestJSONStorePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")

	store, err := prefs.NewJSONStore(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Put("a", "1"))
	require.NoError(t, store.Put("b", "2"))
	require.NoError(t, store.Close())

	reopened, err := prefs.NewJSONStore(path, testLogger())
	require.NoError(t, err)

	v, ok, err := reopened.Get("b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestJSONStoreUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99, "values": {"a": "1"}}`), 0600))

	_, err := prefs.NewJSONStore(path, testLogger())
	require.Error(t, err)

	var verr *prefs.UnknownVersionError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 99, verr.Found)
	assert.Equal(t, prefs.CurrentVersion, verr.Expected)
}

func TestJSONStoreRecoversFromBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")

	store, err := prefs.NewJSONStore(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Put("a", "1"))
	// Second write moves the first file to the backup.
	require.NoError(t, store.Put("b", "2"))

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	reopened, err := prefs.NewJSONStore(path, testLogger())
	require.NoError(t, err)

	v, ok, err := reopened.Get("a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestJSONStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := prefs.NewJSONStore(path, testLogger())
	assert.ErrorIs(t, err, prefs.ErrCorrupt)
}

func TestSQLiteStoreUnknownVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "prefs.db")

	store, err := prefs.NewSQLiteStore(dbPath, testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	_, err = db.Exec("UPDATE schema_info SET version = 7")
	require.NoError(t, err)
	db.Close()

	_, err = prefs.NewSQLiteStore(dbPath, testLogger())
	var verr *prefs.UnknownVersionError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 7, verr.Found)
}

func TestDynamoDBStoreUnknownVersion(t *testing.T) {
	client := newFakeDynamo()
	client.items[prefs.VersionKey] = "3"

	_, err := prefs.NewDynamoDBStoreWithClient(client, "prefs", testLogger())
	var verr *prefs.UnknownVersionError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 3, verr.Found)
}

// fakeDynamo is an in-memory stand-in for the DynamoDB API.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]string
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]string)}
}

func keyOf(key map[string]types.AttributeValue) string {
	return key["pref_key"].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := keyOf(in.Key)
	v, ok := f.items[k]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"pref_key": &types.AttributeValueMemberS{Value: k},
		"value":    &types.AttributeValueMemberS{Value: v},
	}}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.items[keyOf(in.Item)] = in.Item["value"].(*types.AttributeValueMemberS).Value
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.items, keyOf(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := ""
	if p, ok := in.ExpressionAttributeValues[":p"].(*types.AttributeValueMemberS); ok {
		prefix = p.Value
	}

	out := &dynamodb.ScanOutput{}
	for k := range f.items {
		if strings.HasPrefix(k, prefix) {
			out.Items = append(out.Items, map[string]types.AttributeValue{
				"pref_key": &types.AttributeValueMemberS{Value: k},
			})
		}
	}
	return out, nil
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	for _, backend := range []string{config.PrefsJSON, config.PrefsSQLite} {
		t.Run(backend, func(t *testing.T) {
			cfg := config.StorageConfig{DataDir: dir, PrefsBackend: backend}
			store, err := prefs.Open(context.Background(), cfg, testLogger())
			require.NoError(t, err)
			defer store.Close()

			require.NoError(t, store.Put("k", "v"))
			_, err = os.Stat(cfg.PrefsPath())
			assert.NoError(t, err)
		})
	}

	_, err := prefs.Open(context.Background(), config.StorageConfig{DataDir: dir, PrefsBackend: "etcd"}, testLogger())
	assert.Error(t, err)
}
