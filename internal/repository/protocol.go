package repository

import (
	"context"
	"fmt"

	"github.com/TheMichaelB/recsync/internal/models"
)

// Backend is the storage a Protocol drives. Implementations only move
// records in and out; all resolution happens in Protocol.
type Backend interface {
	// Lookup returns the stored record for guid, or nil.
	Lookup(ctx context.Context, guid string) (*models.Record, error)

	// Put inserts or overwrites a record. Inserts assign LocalID.
	Put(ctx context.Context, rec *models.Record) error

	// PendingChildren returns records waiting for parent.
	PendingChildren(ctx context.Context, parent string) ([]*models.Record, error)

	// Pending returns every record waiting for a parent.
	Pending(ctx context.Context) ([]*models.Record, error)
}

// Protocol implements Store and the Finish consistency check on top of a
// Backend.
type Protocol struct {
	opts    Options
	backend Backend
}

// NewProtocol creates a protocol for opts.Collection.
func NewProtocol(opts Options, backend Backend) *Protocol {
	return &Protocol{opts: opts, backend: backend}
}

// Options returns the protocol configuration.
func (p *Protocol) Options() Options {
	return p.opts
}

// Store validates rec, resolves it against the stored record and persists
// the winner.
func (p *Protocol) Store(ctx context.Context, rec *models.Record) (StoreResult, error) {
	if err := rec.Validate(); err != nil {
		return StoreResult{}, err
	}
	if rec.Collection != "" && rec.Collection != p.opts.Collection {
		return StoreResult{}, &models.UnsupportedTypeError{
			GUID:       rec.GUID,
			Collection: rec.Collection,
			Supported:  p.opts.Collection,
		}
	}

	incoming := rec.Clone()
	incoming.Collection = p.opts.Collection
	incoming.LocalID = 0
	declared := incoming.ParentID
	incoming.PendingParentID = ""

	existing, err := p.backend.Lookup(ctx, incoming.GUID)
	if err != nil {
		return StoreResult{}, fmt.Errorf("lookup %s: %w", incoming.GUID, err)
	}

	if existing == nil && incoming.Deleted && !p.opts.MaterializeTombstones {
		return StoreResult{Outcome: Ignored}, nil
	}

	winner, outcome := Resolve(existing, incoming)
	if outcome == Kept {
		return StoreResult{Record: existing.Clone(), Outcome: Kept}, nil
	}

	if p.opts.Hierarchical {
		if declared == "" {
			declared = winner.DeclaredParent()
		}
		if err := p.place(ctx, winner, declared); err != nil {
			return StoreResult{}, err
		}
	}

	if err := p.backend.Put(ctx, winner); err != nil {
		return StoreResult{}, fmt.Errorf("put %s: %w", winner.GUID, err)
	}

	if p.opts.Hierarchical {
		// Children waiting for a deleted folder will never see it arrive.
		into := winner.GUID
		if winner.Deleted {
			into = models.DefaultParentGUID
		}
		if err := p.adoptChildren(ctx, winner.GUID, into); err != nil {
			return StoreResult{}, err
		}
	}

	return StoreResult{Record: winner.Clone(), Outcome: outcome}, nil
}

// place attaches rec to parent. A parent that is not stored yet parks rec in
// the default container until it arrives; a deleted parent moves rec there
// for good.
func (p *Protocol) place(ctx context.Context, rec *models.Record, parent string) error {
	rec.PendingParentID = ""
	if rec.Deleted || parent == "" {
		rec.ParentID = parent
		return nil
	}

	state, err := p.parentState(ctx, parent)
	if err != nil {
		return err
	}
	switch state {
	case parentLive:
		rec.ParentID = parent
	case parentDeleted:
		rec.ParentID = models.DefaultParentGUID
	default:
		rec.ParentID = models.DefaultParentGUID
		rec.PendingParentID = parent
	}
	return nil
}

type parentStatus int

const (
	parentMissing parentStatus = iota
	parentLive
	parentDeleted
)

func (p *Protocol) parentState(ctx context.Context, guid string) (parentStatus, error) {
	if models.WellKnownFolders[guid] {
		return parentLive, nil
	}
	parent, err := p.backend.Lookup(ctx, guid)
	if err != nil {
		return parentMissing, fmt.Errorf("lookup parent %s: %w", guid, err)
	}
	switch {
	case parent == nil:
		return parentMissing, nil
	case parent.Deleted:
		return parentDeleted, nil
	default:
		return parentLive, nil
	}
}

// adoptChildren moves records waiting for parent under into.
func (p *Protocol) adoptChildren(ctx context.Context, parent, into string) error {
	children, err := p.backend.PendingChildren(ctx, parent)
	if err != nil {
		return fmt.Errorf("pending children of %s: %w", parent, err)
	}
	for _, child := range children {
		child.ParentID = into
		child.PendingParentID = ""
		if err := p.backend.Put(ctx, child); err != nil {
			return fmt.Errorf("reparent %s: %w", child.GUID, err)
		}
	}
	return nil
}

// CheckOrphans returns *models.OrphanedRecordError if any record still waits
// for its parent.
func (p *Protocol) CheckOrphans(ctx context.Context) error {
	if !p.opts.Hierarchical {
		return nil
	}
	pending, err := p.backend.Pending(ctx)
	if err != nil {
		return fmt.Errorf("list pending records: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	return &models.OrphanedRecordError{
		GUID:     pending[0].GUID,
		ParentID: pending[0].PendingParentID,
		Count:    len(pending),
	}
}
