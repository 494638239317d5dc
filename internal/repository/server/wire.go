package server

import (
	"encoding/json"
	"fmt"

	"github.com/TheMichaelB/recsync/internal/crypto"
	"github.com/TheMichaelB/recsync/internal/models"
)

// WireRecord is a record as the storage service holds it.
type WireRecord struct {
	ID        string      `json:"id"`
	Modified  json.Number `json:"modified,omitempty"`
	Payload   string      `json:"payload"`
	SortIndex int         `json:"sortindex,omitempty"`
}

// ModifiedMillis returns the server timestamp in milliseconds.
func (w *WireRecord) ModifiedMillis() int64 {
	if w.Modified == "" {
		return 0
	}
	ms, err := models.SecondsToMillis(w.Modified.String())
	if err != nil {
		return 0
	}
	return ms
}

// Reserved cleartext fields. Everything else is the record payload.
const (
	fieldID           = "id"
	fieldDeleted      = "deleted"
	fieldParentID     = "parentid"
	fieldLastModified = "lastModified"
)

// Seal encrypts rec into a wire record.
func Seal(rec *models.Record, c crypto.Cryptor, kb *crypto.KeyBundle) (*WireRecord, error) {
	fields := make(map[string]json.RawMessage)
	if !rec.Deleted && len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &fields); err != nil {
			return nil, &models.InvalidRecordError{GUID: rec.GUID, Reason: "payload must be a JSON object"}
		}
	}

	fields[fieldID], _ = json.Marshal(rec.GUID)
	fields[fieldLastModified], _ = json.Marshal(rec.LastModified)
	if rec.Deleted {
		fields[fieldDeleted] = json.RawMessage("true")
	}
	if parent := rec.DeclaredParent(); parent != "" {
		fields[fieldParentID], _ = json.Marshal(parent)
	}

	cleartext, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode cleartext: %w", err)
	}

	envelope, err := c.Encrypt(cleartext, kb)
	if err != nil {
		return nil, fmt.Errorf("encrypt %s: %w", rec.GUID, err)
	}
	return &WireRecord{ID: rec.GUID, Payload: envelope}, nil
}

// Open decrypts a wire record. LastModified is taken from the cleartext
// when present so the writer's timestamp survives the round trip, and from
// the server otherwise.
func Open(w *WireRecord, collection string, c crypto.Cryptor, kb *crypto.KeyBundle) (*models.Record, error) {
	cleartext, err := c.Decrypt(w.Payload, kb)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", w.ID, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(cleartext, &fields); err != nil {
		return nil, &models.InvalidRecordError{GUID: w.ID, Reason: "cleartext is not a JSON object"}
	}

	rec := &models.Record{GUID: w.ID, Collection: collection, LastModified: w.ModifiedMillis()}

	var id string
	if raw, ok := fields[fieldID]; ok {
		if json.Unmarshal(raw, &id) != nil || id != w.ID {
			return nil, &models.InvalidRecordError{GUID: w.ID, Reason: "cleartext id does not match record id"}
		}
	}
	if raw, ok := fields[fieldLastModified]; ok {
		var ts int64
		if json.Unmarshal(raw, &ts) == nil && ts > 0 {
			rec.LastModified = ts
		}
	}
	if raw, ok := fields[fieldDeleted]; ok {
		_ = json.Unmarshal(raw, &rec.Deleted)
	}
	if raw, ok := fields[fieldParentID]; ok {
		_ = json.Unmarshal(raw, &rec.ParentID)
	}

	for _, k := range []string{fieldID, fieldDeleted, fieldParentID, fieldLastModified} {
		delete(fields, k)
	}
	if !rec.Deleted && len(fields) > 0 {
		rec.Payload, err = json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}
	return rec, nil
}
