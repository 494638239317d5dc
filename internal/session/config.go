package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/TheMichaelB/recsync/internal/crypto"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/prefs"
)

// Persisted keys under the session prefs branch.
const (
	keyClusterURL         = "clusterURL"
	keySyncID             = "syncID"
	keyMetaGlobal         = "metaGlobal"
	keyMetaGlobalModified = "metaGlobal.lastModified"
	keyCollectionKeys     = "collectionKeys"
	keyKeysModified       = "collectionKeys.lastModified"
	keyDeactivated        = "deactivated"
	keyLastEOLNotice      = "eol.lastNotice"

	collectionsBranch = "collections"
	enginesBranch     = "engine"
)

// SyncConfiguration is the state one session owns: who syncs, where, with
// which identity and keys, and the cached remote metadata.
type SyncConfiguration struct {
	mu    sync.Mutex
	prefs *prefs.Branch

	username string
	syncKey  *crypto.KeyBundle

	clusterURL      string
	syncID          string
	metaGlobal      *models.MetaGlobal
	keys            *crypto.CollectionKeys
	keysModified    int64
	infoCollections models.InfoCollections
}

// LoadSyncConfiguration restores cached state from branch. The sync key
// decrypts crypto/keys and the local key cache.
func LoadSyncConfiguration(branch *prefs.Branch, username string, syncKey *crypto.KeyBundle) (*SyncConfiguration, error) {
	if strings.TrimSpace(username) == "" {
		return nil, fmt.Errorf("%w: missing username", models.ErrNoCredentials)
	}
	if err := syncKey.Validate(); err != nil {
		return nil, fmt.Errorf("%w: sync key: %v", models.ErrNoCredentials, err)
	}

	c := &SyncConfiguration{prefs: branch, username: username, syncKey: syncKey}

	var err error
	if c.clusterURL, err = prefs.GetString(branch, keyClusterURL, ""); err != nil {
		return nil, err
	}
	if c.syncID, err = prefs.GetString(branch, keySyncID, ""); err != nil {
		return nil, err
	}

	if raw, ok, err := branch.Get(keyMetaGlobal); err != nil {
		return nil, err
	} else if ok {
		// A damaged cache is refetched rather than trusted.
		if meta, perr := models.ParseMetaGlobal([]byte(raw)); perr == nil {
			meta.LastModified, _ = prefs.GetInt64(branch, keyMetaGlobalModified, 0)
			c.metaGlobal = meta
		}
	}

	if raw, ok, err := branch.Get(keyCollectionKeys); err != nil {
		return nil, err
	} else if ok {
		if keys, kerr := c.openKeys(raw); kerr == nil {
			c.keys = keys
			c.keysModified, _ = prefs.GetInt64(branch, keyKeysModified, 0)
		}
	}
	return c, nil
}

func (c *SyncConfiguration) Username() string {
	return c.username
}

// SyncKey returns the account key bundle.
func (c *SyncConfiguration) SyncKey() *crypto.KeyBundle {
	return c.syncKey
}

func (c *SyncConfiguration) ClusterURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clusterURL
}

// SetClusterURL stores the assigned node.
func (c *SyncConfiguration) SetClusterURL(u string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clusterURL = u
	return c.prefs.Put(keyClusterURL, u)
}

// ClearClusterURL forgets the node so the next attempt asks for a new one.
func (c *SyncConfiguration) ClearClusterURL() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clusterURL = ""
	return c.prefs.Delete(keyClusterURL)
}

func (c *SyncConfiguration) SyncID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncID
}

// MetaGlobal returns a copy of the cached metadata, or nil.
func (c *SyncConfiguration) MetaGlobal() *models.MetaGlobal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metaGlobal.Clone()
}

// SetMetaGlobal caches meta and persists it.
func (c *SyncConfiguration) SetMetaGlobal(meta *models.MetaGlobal) error {
	data, err := meta.Marshal()
	if err != nil {
		return fmt.Errorf("encode meta/global: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.metaGlobal = meta.Clone()
	return c.prefs.PutAll(map[string]string{
		keyMetaGlobal:         string(data),
		keyMetaGlobalModified: fmt.Sprint(meta.LastModified),
	})
}

// CollectionKeys returns the cached keys, or nil.
func (c *SyncConfiguration) CollectionKeys() (*crypto.CollectionKeys, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys, c.keysModified
}

// SetCollectionKeys caches keys, encrypted with the sync key.
func (c *SyncConfiguration) SetCollectionKeys(keys *crypto.CollectionKeys, lastModified int64) error {
	sealed, err := c.sealKeys(keys)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = keys
	c.keysModified = lastModified
	return c.prefs.PutAll(map[string]string{
		keyCollectionKeys: sealed,
		keyKeysModified:   fmt.Sprint(lastModified),
	})
}

// InfoCollections returns the listing fetched during this attempt.
func (c *SyncConfiguration) InfoCollections() models.InfoCollections {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.infoCollections
}

func (c *SyncConfiguration) setInfoCollections(info models.InfoCollections) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.infoCollections = info
}

// LastCheck returns when collection was last found in sync with the server.
func (c *SyncConfiguration) LastCheck(collection string) int64 {
	n, _ := prefs.GetInt64(c.prefs.Sub(collectionsBranch).Sub(collection), "lastCheck", 0)
	return n
}

// SetLastCheck records the server modification time last synchronized.
func (c *SyncConfiguration) SetLastCheck(collection string, ts int64) error {
	return prefs.PutInt64(c.prefs.Sub(collectionsBranch).Sub(collection), "lastCheck", ts)
}

// EngineBranch is where the synchronizer of collection keeps its state.
func (c *SyncConfiguration) EngineBranch(collection string) *prefs.Branch {
	return c.prefs.Sub(enginesBranch).Sub(collection)
}

// Deactivated reports whether the service told this identity to stop.
func (c *SyncConfiguration) Deactivated() bool {
	b, _ := prefs.GetBool(c.prefs, keyDeactivated, false)
	return b
}

func (c *SyncConfiguration) SetDeactivated(v bool) error {
	return prefs.PutBool(c.prefs, keyDeactivated, v)
}

// LastEOLNotice returns when the user was last told about end of life.
func (c *SyncConfiguration) LastEOLNotice() int64 {
	n, _ := prefs.GetInt64(c.prefs, keyLastEOLNotice, 0)
	return n
}

func (c *SyncConfiguration) SetLastEOLNotice(ts int64) error {
	return prefs.PutInt64(c.prefs, keyLastEOLNotice, ts)
}

// AdoptSyncID switches to a new data lineage. Every per-collection
// timestamp and the cached keys belong to the old lineage and are dropped,
// so each collection refetches from zero. Remote data is not touched.
func (c *SyncConfiguration) AdoptSyncID(syncID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := prefs.DeletePrefix(c.prefs, enginesBranch+"."); err != nil {
		return fmt.Errorf("reset engines: %w", err)
	}
	if err := prefs.DeletePrefix(c.prefs, collectionsBranch+"."); err != nil {
		return fmt.Errorf("reset collections: %w", err)
	}
	if err := c.prefs.Delete(keyCollectionKeys, keyKeysModified); err != nil {
		return err
	}
	c.keys = nil
	c.keysModified = 0
	c.syncID = syncID
	return c.prefs.Put(keySyncID, syncID)
}

// ResetEngines forgets every collection's timestamps but keeps identity.
func (c *SyncConfiguration) ResetEngines() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := prefs.DeletePrefix(c.prefs, enginesBranch+"."); err != nil {
		return err
	}
	return prefs.DeletePrefix(c.prefs, collectionsBranch+".")
}

func (c *SyncConfiguration) sealKeys(keys *crypto.CollectionKeys) (string, error) {
	data, err := keys.Marshal()
	if err != nil {
		return "", fmt.Errorf("encode collection keys: %w", err)
	}
	sealed, err := crypto.EncryptData(data, c.syncKey.EncryptionKey)
	if err != nil {
		return "", fmt.Errorf("seal collection keys: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *SyncConfiguration) openKeys(raw string) (*crypto.CollectionKeys, error) {
	sealed, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	data, err := crypto.DecryptData(sealed, c.syncKey.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return crypto.ParseCollectionKeys(data)
}

// String summarises the configuration for status output.
func (c *SyncConfiguration) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, _ := json.Marshal(map[string]interface{}{
		"username":   c.username,
		"clusterURL": c.clusterURL,
		"syncID":     c.syncID,
	})
	return string(out)
}
