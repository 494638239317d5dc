package crypto

import (
	"encoding/json"
	"fmt"
	"sort"
)

// CollectionKeys holds the default bundle and per-collection overrides.
type CollectionKeys struct {
	Default     *KeyBundle            `json:"default"`
	Collections map[string]*KeyBundle `json:"collections"`
}

// GenerateCollectionKeys creates a fresh default bundle.
func GenerateCollectionKeys() (*CollectionKeys, error) {
	kb, err := GenerateKeyBundle()
	if err != nil {
		return nil, err
	}
	return &CollectionKeys{Default: kb, Collections: make(map[string]*KeyBundle)}, nil
}

// KeyFor returns the bundle for collection, falling back to the default.
func (ck *CollectionKeys) KeyFor(collection string) *KeyBundle {
	if kb, ok := ck.Collections[collection]; ok {
		return kb
	}
	return ck.Default
}

// Names lists collections with their own bundle.
func (ck *CollectionKeys) Names() []string {
	names := make([]string, 0, len(ck.Collections))
	for name := range ck.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Marshal encodes the keys as the crypto/keys record payload.
func (ck *CollectionKeys) Marshal() ([]byte, error) {
	return json.Marshal(ck)
}

// ParseCollectionKeys decodes a crypto/keys payload.
func ParseCollectionKeys(data []byte) (*CollectionKeys, error) {
	var ck CollectionKeys
	if err := json.Unmarshal(data, &ck); err != nil {
		return nil, fmt.Errorf("parse collection keys: %w", err)
	}
	if ck.Default == nil {
		return nil, fmt.Errorf("parse collection keys: missing default bundle")
	}
	if ck.Collections == nil {
		ck.Collections = make(map[string]*KeyBundle)
	}
	return &ck, nil
}
