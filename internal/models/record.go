package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Well-known folder GUIDs for hierarchical collections.
const (
	RootFolderGUID    = "places"
	MenuFolderGUID    = "menu"
	ToolbarFolderGUID = "toolbar"
	UnfiledFolderGUID = "unfiled"
	MobileFolderGUID  = "mobile"

	// DefaultParentGUID holds children whose declared parent is not known yet.
	DefaultParentGUID = UnfiledFolderGUID
)

// WellKnownFolders lists the roots that always exist locally.
var WellKnownFolders = map[string]bool{
	RootFolderGUID:    true,
	MenuFolderGUID:    true,
	ToolbarFolderGUID: true,
	UnfiledFolderGUID: true,
	MobileFolderGUID:  true,
}

// Record is a single synchronized item.
//
// LastModified is in milliseconds and is the last-writer-wins key. LocalID and
// PendingParentID are bookkeeping owned by the local store; they never travel
// on the wire.
type Record struct {
	GUID         string          `json:"id"`
	Collection   string          `json:"collection"`
	LastModified int64           `json:"lastModified"`
	Deleted      bool            `json:"deleted,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ParentID     string          `json:"parentid,omitempty"`

	LocalID         int64  `json:"-"`
	PendingParentID string `json:"-"`
}

// NewTombstone creates a deletion marker for guid.
func NewTombstone(collection, guid string, lastModified int64) *Record {
	return &Record{
		GUID:         guid,
		Collection:   collection,
		LastModified: lastModified,
		Deleted:      true,
	}
}

// Validate checks that the record can be stored.
func (r *Record) Validate() error {
	if r == nil {
		return ErrNilRecord
	}
	if strings.TrimSpace(r.GUID) == "" {
		return &InvalidRecordError{Reason: "missing guid"}
	}
	if r.LastModified < 0 {
		return &InvalidRecordError{GUID: r.GUID, Reason: "negative lastModified"}
	}
	if !r.Deleted && len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return &InvalidRecordError{GUID: r.GUID, Reason: "payload is not valid JSON"}
	}
	if r.ParentID == r.GUID && r.ParentID != "" {
		return &InvalidRecordError{GUID: r.GUID, Reason: "record is its own parent"}
	}
	return nil
}

// IsHierarchical reports whether the record declares a parent.
func (r *Record) IsHierarchical() bool {
	return r.ParentID != "" || r.PendingParentID != ""
}

// DeclaredParent returns the parent the record asked for, resolved or not.
func (r *Record) DeclaredParent() string {
	if r.PendingParentID != "" {
		return r.PendingParentID
	}
	return r.ParentID
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return &clone
}

// SameContent compares the wire-visible fields of two records.
func (r *Record) SameContent(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.GUID == other.GUID &&
		r.Deleted == other.Deleted &&
		r.DeclaredParent() == other.DeclaredParent() &&
		string(r.Payload) == string(other.Payload)
}

func (r *Record) String() string {
	if r.Deleted {
		return fmt.Sprintf("%s/%s@%d (deleted)", r.Collection, r.GUID, r.LastModified)
	}
	return fmt.Sprintf("%s/%s@%d", r.Collection, r.GUID, r.LastModified)
}

// NewGUID returns a 12 character URL-safe identifier.
func NewGUID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:9])
}

// IsValidGUID reports whether s looks like an identifier produced by NewGUID.
func IsValidGUID(s string) bool {
	if len(s) != 12 {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil
}
