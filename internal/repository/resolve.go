package repository

import "github.com/TheMichaelB/recsync/internal/models"

// Resolve decides between the stored record and an incoming one with the
// same GUID.
//
// The incoming record wins only when its LastModified is strictly greater.
// Equal timestamps keep the existing record, so a concurrent write made in
// the same millisecond on another device is dropped. The deleted flag follows
// the same rule as every other field. A winning record inherits the local
// bookkeeping fields (LocalID, PendingParentID) of the one it replaces.
//
// A newer record with unchanged content still replaces the stored one so the
// stored timestamp never moves backwards.
func Resolve(existing, incoming *models.Record) (*models.Record, Outcome) {
	if existing == nil {
		return incoming.Clone(), Inserted
	}
	if incoming.LastModified <= existing.LastModified {
		return existing, Kept
	}

	winner := incoming.Clone()
	winner.LocalID = existing.LocalID
	if winner.PendingParentID == "" {
		winner.PendingParentID = existing.PendingParentID
	}
	return winner, Replaced
}
