package session

import (
	"context"
	"fmt"

	"github.com/TheMichaelB/recsync/internal/models"
)

// StageID names one unit of work in an attempt.
type StageID int

const (
	Idle StageID = iota
	CheckPreconditions
	EnsureClusterURL
	FetchInfoCollections
	FetchMetaGlobal
	EnsureKeys
	SyncHistory
	SyncBookmarks
	SyncForms
	UploadMetaGlobal
	Completed
)

func (id StageID) String() string {
	switch id {
	case Idle:
		return "idle"
	case CheckPreconditions:
		return "check_preconditions"
	case EnsureClusterURL:
		return "ensure_cluster_url"
	case FetchInfoCollections:
		return "fetch_info_collections"
	case FetchMetaGlobal:
		return "fetch_meta_global"
	case EnsureKeys:
		return "ensure_keys"
	case SyncHistory:
		return "sync_history"
	case SyncBookmarks:
		return "sync_bookmarks"
	case SyncForms:
		return "sync_forms"
	case UploadMetaGlobal:
		return "upload_meta_global"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("stage(%d)", int(id))
	}
}

// Collection returns the collection a sync stage handles.
func (id StageID) Collection() (string, bool) {
	switch id {
	case SyncHistory:
		return "history", true
	case SyncBookmarks:
		return "bookmarks", true
	case SyncForms:
		return "forms", true
	default:
		return "", false
	}
}

// Stage executes one step. Returning nil advances the session; an error
// aborts the attempt.
type Stage interface {
	Execute(ctx context.Context, s *GlobalSession) error
}

// StageFunc adapts a function to Stage.
type StageFunc func(ctx context.Context, s *GlobalSession) error

func (f StageFunc) Execute(ctx context.Context, s *GlobalSession) error {
	return f(ctx, s)
}

// Pipeline is the cyclic stage order. It starts at Idle and ends at Completed.
type Pipeline []StageID

// DefaultPipeline is the full attempt.
var DefaultPipeline = Pipeline{
	Idle,
	CheckPreconditions,
	EnsureClusterURL,
	FetchInfoCollections,
	FetchMetaGlobal,
	EnsureKeys,
	SyncHistory,
	SyncBookmarks,
	SyncForms,
	UploadMetaGlobal,
	Completed,
}

// Validate checks the pipeline shape.
func (p Pipeline) Validate() error {
	if len(p) < 2 || p[0] != Idle || p[len(p)-1] != Completed {
		return fmt.Errorf("%w: pipeline must run from idle to completed", models.ErrInvalidConfig)
	}
	seen := make(map[StageID]bool, len(p))
	for _, id := range p {
		if seen[id] {
			return fmt.Errorf("%w: stage %s listed twice", models.ErrInvalidConfig, id)
		}
		seen[id] = true
	}
	return nil
}

// Next returns the stage after current, wrapping from the last to the first.
func (p Pipeline) Next(current StageID) (StageID, error) {
	for i, id := range p {
		if id == current {
			return p[(i+1)%len(p)], nil
		}
	}
	return Idle, fmt.Errorf("%w: %s", models.ErrStageNotRegistered, current)
}

// stageFor maps every built-in stage to its implementation. Overrides win.
func (s *GlobalSession) stageFor(id StageID) (Stage, error) {
	if st, ok := s.overrides[id]; ok {
		return st, nil
	}

	switch id {
	case Idle:
		return StageFunc(func(context.Context, *GlobalSession) error { return nil }), nil
	case CheckPreconditions:
		return StageFunc(checkPreconditions), nil
	case EnsureClusterURL:
		return StageFunc(ensureClusterURL), nil
	case FetchInfoCollections:
		return StageFunc(fetchInfoCollections), nil
	case FetchMetaGlobal:
		return StageFunc(fetchMetaGlobal), nil
	case EnsureKeys:
		return StageFunc(ensureKeys), nil
	case SyncHistory, SyncBookmarks, SyncForms:
		collection, _ := id.Collection()
		return &collectionStage{collection: collection}, nil
	case UploadMetaGlobal:
		return StageFunc(uploadMetaGlobal), nil
	case Completed:
		return StageFunc(func(_ context.Context, s *GlobalSession) error {
			s.CompleteSync()
			return nil
		}), nil
	}
	return nil, fmt.Errorf("%w: %s", models.ErrStageNotRegistered, id)
}
