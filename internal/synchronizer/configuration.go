package synchronizer

import (
	"fmt"
	"strconv"

	"github.com/TheMichaelB/recsync/internal/prefs"
)

const (
	keySyncID          = "syncID"
	keyRemoteTimestamp = "remote.lastFetch"
	keyLocalTimestamp  = "local.lastFetch"
)

// Configuration is the persisted state of one repository pair. Timestamps
// are the start of the last successful fetch on each side, in milliseconds.
type Configuration struct {
	SyncID          string
	RemoteTimestamp int64
	LocalTimestamp  int64
}

// LoadConfiguration reads the pair state from branch. Missing keys read as zero.
func LoadConfiguration(branch *prefs.Branch) (Configuration, error) {
	var c Configuration
	var err error

	if c.SyncID, _, err = branch.Get(keySyncID); err != nil {
		return Configuration{}, fmt.Errorf("load sync configuration: %w", err)
	}
	if c.RemoteTimestamp, err = prefs.GetInt64(branch, keyRemoteTimestamp, 0); err != nil {
		return Configuration{}, fmt.Errorf("load sync configuration: %w", err)
	}
	if c.LocalTimestamp, err = prefs.GetInt64(branch, keyLocalTimestamp, 0); err != nil {
		return Configuration{}, fmt.Errorf("load sync configuration: %w", err)
	}
	return c, nil
}

// Persist writes all fields in one batch.
func (c Configuration) Persist(branch *prefs.Branch) error {
	err := branch.PutAll(map[string]string{
		keySyncID:          c.SyncID,
		keyRemoteTimestamp: strconv.FormatInt(c.RemoteTimestamp, 10),
		keyLocalTimestamp:  strconv.FormatInt(c.LocalTimestamp, 10),
	})
	if err != nil {
		return fmt.Errorf("persist sync configuration: %w", err)
	}
	return nil
}

// ResetConfiguration forgets the pair state so the next pass fetches everything.
func ResetConfiguration(branch *prefs.Branch) error {
	return branch.Delete(keySyncID, keyRemoteTimestamp, keyLocalTimestamp)
}
