package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// StorageVersion is the remote storage format this client reads and writes.
const StorageVersion = 5

// EngineSettings is the per-collection entry of meta/global.
type EngineSettings struct {
	Version int    `json:"version"`
	SyncID  string `json:"syncID"`
}

// MetaGlobal is the decrypted remote metadata record.
type MetaGlobal struct {
	SyncID         string                    `json:"syncID"`
	StorageVersion int                       `json:"storageVersion"`
	Engines        map[string]EngineSettings `json:"engines"`

	// LastModified is the server timestamp of the record in milliseconds.
	LastModified int64 `json:"-"`
}

// NewMetaGlobal creates metadata for a fresh start.
func NewMetaGlobal(syncID string, storageVersion int) *MetaGlobal {
	return &MetaGlobal{
		SyncID:         syncID,
		StorageVersion: storageVersion,
		Engines:        make(map[string]EngineSettings),
	}
}

// ParseMetaGlobal decodes a meta/global payload. Missing or unparseable fields
// are reported as *MetaGlobalError so callers can pick the recovery path.
func ParseMetaGlobal(payload []byte) (*MetaGlobal, error) {
	var raw struct {
		SyncID         json.RawMessage           `json:"syncID"`
		StorageVersion json.Number               `json:"storageVersion"`
		Engines        map[string]EngineSettings `json:"engines"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, &MetaGlobalError{Kind: MetaGlobalMissing}
	}

	var syncID string
	if len(raw.SyncID) == 0 || json.Unmarshal(raw.SyncID, &syncID) != nil || strings.TrimSpace(syncID) == "" {
		return nil, &MetaGlobalError{Kind: MetaGlobalMalformedSyncID}
	}

	version, err := raw.StorageVersion.Int64()
	if err != nil {
		return nil, &MetaGlobalError{Kind: MetaGlobalMissing}
	}

	m := &MetaGlobal{
		SyncID:         syncID,
		StorageVersion: int(version),
		Engines:        raw.Engines,
	}
	if m.Engines == nil {
		m.Engines = make(map[string]EngineSettings)
	}
	return m, nil
}

// CheckVersion compares the remote storage version with expected.
func (m *MetaGlobal) CheckVersion(expected int) error {
	switch {
	case m.StorageVersion < expected:
		return &MetaGlobalError{Kind: MetaGlobalVersionTooOld, Found: m.StorageVersion, Expected: expected}
	case m.StorageVersion > expected:
		return &MetaGlobalError{Kind: MetaGlobalVersionTooNew, Found: m.StorageVersion, Expected: expected}
	}
	return nil
}

// Marshal encodes the payload form of the record.
func (m *MetaGlobal) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Clone returns a deep copy.
func (m *MetaGlobal) Clone() *MetaGlobal {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Engines = make(map[string]EngineSettings, len(m.Engines))
	for k, v := range m.Engines {
		clone.Engines[k] = v
	}
	return &clone
}

// InfoCollections maps collection names to their last-modified time in milliseconds.
type InfoCollections map[string]int64

// ParseInfoCollections decodes the server's decimal-seconds map.
func ParseInfoCollections(body []byte) (InfoCollections, error) {
	var raw map[string]json.Number
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse info/collections: %w", err)
	}

	info := make(InfoCollections, len(raw))
	for name, v := range raw {
		ms, err := SecondsToMillis(v.String())
		if err != nil {
			return nil, fmt.Errorf("parse info/collections %s: %w", name, err)
		}
		info[name] = ms
	}
	return info, nil
}

// Changed reports whether collection was modified after since. Unknown
// collections count as changed.
func (i InfoCollections) Changed(collection string, since int64) bool {
	ts, ok := i[collection]
	if !ok {
		return true
	}
	return ts > since
}

// SecondsToMillis parses a decimal seconds value such as "1234.56".
func SecondsToMillis(s string) (int64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(f * 1000)), nil
}

// MillisToSeconds formats milliseconds as decimal seconds with millisecond precision.
func MillisToSeconds(ms int64) string {
	sign := ""
	if ms < 0 {
		sign = "-"
		ms = -ms
	}
	return fmt.Sprintf("%s%d.%03d", sign, ms/1000, ms%1000)
}
