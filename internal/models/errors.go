package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeAuth        = "AUTH_ERROR"
	ErrCodeNetwork     = "NETWORK_ERROR"
	ErrCodeStorage     = "STORAGE_ERROR"
	ErrCodeState       = "STATE_ERROR"
	ErrCodeConfig      = "CONFIG_ERROR"
	ErrCodeBackoff     = "BACKOFF"
	ErrCodeServerError = "SERVER_ERROR"
	ErrCodeProtocol    = "PROTOCOL_ERROR"
	ErrCodeRecord      = "RECORD_ERROR"
)

// Sentinel errors
var (
	ErrAlreadySyncing     = errors.New("already syncing")
	ErrInactiveSession    = errors.New("repository session is not active")
	ErrNilRecord          = errors.New("record is nil")
	ErrUpgradeRequired    = errors.New("client upgrade required")
	ErrBackoff            = errors.New("server requested backoff")
	ErrDeactivated        = errors.New("sync identity has been deactivated")
	ErrEndOfLife          = errors.New("sync service end of life")
	ErrNoCredentials      = errors.New("no credentials available")
	ErrNoClusterURL       = errors.New("no cluster URL assigned")
	ErrStageNotRegistered = errors.New("stage not registered")
	ErrNoCollectionKeys   = errors.New("no collection keys")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// SyncError attaches the failing stage to an aborted attempt.
type SyncError struct {
	Code   string
	Stage  string
	Reason string
	Err    error
}

func (e *SyncError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("sync %s [%s]: %s: %v", e.Stage, e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("sync %s [%s]: %v", e.Stage, e.Code, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// InvalidRecordError reports a record that cannot be stored as given.
type InvalidRecordError struct {
	GUID   string
	Reason string
}

func (e *InvalidRecordError) Error() string {
	if e.GUID == "" {
		return fmt.Sprintf("invalid record: %s", e.Reason)
	}
	return fmt.Sprintf("invalid record %s: %s", e.GUID, e.Reason)
}

// UnsupportedTypeError is returned when a repository receives a record of a
// collection it does not hold.
type UnsupportedTypeError struct {
	GUID       string
	Collection string
	Supported  string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("record %s of collection %q not supported by %q repository",
		e.GUID, e.Collection, e.Supported)
}

// OrphanedRecordError is returned by Finish when hierarchical records still
// reference parents that never arrived.
type OrphanedRecordError struct {
	GUID     string
	ParentID string
	Count    int
}

func (e *OrphanedRecordError) Error() string {
	if e.Count > 1 {
		return fmt.Sprintf("record %s references missing parent %s (%d orphaned records)",
			e.GUID, e.ParentID, e.Count)
	}
	return fmt.Sprintf("record %s references missing parent %s", e.GUID, e.ParentID)
}

// StoreError wraps a per-record failure reported during a synchronization pass.
type StoreError struct {
	GUID string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.GUID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// MetaGlobalErrorKind classifies problems found in remote metadata.
type MetaGlobalErrorKind int

const (
	MetaGlobalMissing MetaGlobalErrorKind = iota
	MetaGlobalMalformedSyncID
	MetaGlobalVersionTooOld
	MetaGlobalVersionTooNew
)

func (k MetaGlobalErrorKind) String() string {
	switch k {
	case MetaGlobalMissing:
		return "missing"
	case MetaGlobalMalformedSyncID:
		return "malformed sync ID"
	case MetaGlobalVersionTooOld:
		return "storage version too old"
	case MetaGlobalVersionTooNew:
		return "storage version too new"
	default:
		return "unknown"
	}
}

// MetaGlobalError describes why remote metadata cannot be used as is.
type MetaGlobalError struct {
	Kind     MetaGlobalErrorKind
	Found    int
	Expected int
}

func (e *MetaGlobalError) Error() string {
	switch e.Kind {
	case MetaGlobalVersionTooOld, MetaGlobalVersionTooNew:
		return fmt.Sprintf("meta/global: %s: found %d, expected %d", e.Kind, e.Found, e.Expected)
	default:
		return fmt.Sprintf("meta/global: %s", e.Kind)
	}
}

// RequiresFreshStart reports whether recovery means recreating remote state.
func (e *MetaGlobalError) RequiresFreshStart() bool {
	return e.Kind != MetaGlobalVersionTooNew
}

func (e *MetaGlobalError) Unwrap() error {
	if e.Kind == MetaGlobalVersionTooNew {
		return ErrUpgradeRequired
	}
	return nil
}
