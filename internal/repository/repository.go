// Package repository defines the record store contract shared by local and
// remote stores, and the conflict-resolution protocol every Store follows.
package repository

import (
	"context"
	"iter"

	"github.com/TheMichaelB/recsync/internal/models"
)

// Outcome describes what Store did with an incoming record.
type Outcome int

const (
	// Inserted means no record with the GUID existed.
	Inserted Outcome = iota
	// Replaced means the incoming record was newer and is now stored.
	Replaced
	// Kept means the stored record won and nothing changed.
	Kept
	// Ignored means an unknown-GUID tombstone was dropped.
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Replaced:
		return "replaced"
	case Kept:
		return "kept"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Applied reports whether the store now holds the incoming record's content.
func (o Outcome) Applied() bool {
	return o == Inserted || o == Replaced
}

// StoreResult is the state after Store.
type StoreResult struct {
	// Record is the stored state, or nil for Ignored.
	Record  *models.Record
	Outcome Outcome
}

// Repository is a store of records for one collection.
//
// Every operation other than Begin requires an active session; outside of
// one they fail with models.ErrInactiveSession.
type Repository interface {
	// Collection names the records this repository holds.
	Collection() string

	// Begin starts a session.
	Begin(ctx context.Context) error

	// Finish ends the session. Hierarchical repositories fail with
	// *models.OrphanedRecordError while children wait for a parent, and the
	// session stays active.
	Finish(ctx context.Context) error

	// Close ends the session without Finish's consistency checks. Stored
	// records stay stored. Closing an inactive repository is a no-op.
	Close(ctx context.Context) error

	// Fetch returns the records with the given GUIDs. Unknown GUIDs are skipped.
	Fetch(ctx context.Context, guids []string) ([]*models.Record, error)

	// FetchSince lazily yields records modified at or after ts, tombstones
	// included, in modification order.
	FetchSince(ctx context.Context, ts int64) iter.Seq2[*models.Record, error]

	// GuidsSince lists GUIDs of records modified at or after ts.
	GuidsSince(ctx context.Context, ts int64) ([]string, error)

	// Store applies rec using last-writer-wins resolution.
	Store(ctx context.Context, rec *models.Record) (StoreResult, error)

	// Wipe removes every record.
	Wipe(ctx context.Context) error
}

// Options configure the resolution protocol of a repository.
type Options struct {
	Collection string

	// MaterializeTombstones stores tombstones for GUIDs never seen before.
	// When false they are dropped with Outcome Ignored.
	MaterializeTombstones bool

	// Hierarchical enables parent tracking and re-parenting.
	Hierarchical bool
}

// DefaultOptions returns options for collection. Bookmarks are hierarchical.
func DefaultOptions(collection string) Options {
	return Options{
		Collection:            collection,
		MaterializeTombstones: true,
		Hierarchical:          collection == "bookmarks",
	}
}
