package server

import (
	"context"
	"fmt"
	"iter"

	"github.com/TheMichaelB/recsync/internal/crypto"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/repository"
	"github.com/TheMichaelB/recsync/internal/transport"
)

const defaultPageSize = 1000

// Repository is one remote collection. It follows the last-writer-wins
// protocol but keeps no hierarchy state; parents are resolved locally.
type Repository struct {
	repository.Lifecycle

	client   *Client
	cryptor  crypto.Cryptor
	keys     *crypto.KeyBundle
	protocol *repository.Protocol
	pageSize int
	logger   *events.Logger
}

// Config describes a remote collection.
type Config struct {
	Client     *Client
	Collection string
	Cryptor    crypto.Cryptor
	Keys       *crypto.KeyBundle

	// MaterializeTombstones uploads tombstones for records the server never held.
	MaterializeTombstones bool

	// PageSize bounds each listing request. Zero means 1000.
	PageSize int
}

// NewRepository validates cfg and returns the repository.
func NewRepository(cfg Config, logger *events.Logger) (*Repository, error) {
	if cfg.Client == nil || cfg.Cryptor == nil {
		return nil, fmt.Errorf("%w: remote repository needs a client and a cryptor", models.ErrInvalidConfig)
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: remote repository needs a collection", models.ErrInvalidConfig)
	}
	if err := cfg.Keys.Validate(); err != nil {
		return nil, fmt.Errorf("%w: keys for %s: %v", models.ErrNoCollectionKeys, cfg.Collection, err)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}

	r := &Repository{
		client:   cfg.Client,
		cryptor:  cfg.Cryptor,
		keys:     cfg.Keys,
		pageSize: cfg.PageSize,
		logger:   logger.WithFields(map[string]interface{}{"component": "remote_repository", "collection": cfg.Collection}),
	}
	r.protocol = repository.NewProtocol(repository.Options{
		Collection:            cfg.Collection,
		MaterializeTombstones: cfg.MaterializeTombstones,
	}, remoteBackend{r})
	return r, nil
}

func (r *Repository) Collection() string {
	return r.protocol.Options().Collection
}

func (r *Repository) Begin(ctx context.Context) error {
	return r.Lifecycle.Begin()
}

func (r *Repository) Finish(ctx context.Context) error {
	return r.End()
}

func (r *Repository) Close(ctx context.Context) error {
	r.Lifecycle.Close()
	return nil
}

func (r *Repository) Fetch(ctx context.Context, guids []string) ([]*models.Record, error) {
	if err := r.Check(); err != nil {
		return nil, err
	}
	if len(guids) == 0 {
		return nil, nil
	}

	var out []*models.Record
	for start := 0; start < len(guids); start += r.pageSize {
		end := min(start+r.pageSize, len(guids))
		page, _, err := r.client.List(ctx, r.Collection(), Query{IDs: guids[start:end]})
		if err != nil {
			return nil, err
		}
		for _, w := range page {
			rec, err := Open(w, r.Collection(), r.cryptor, r.keys)
			if err != nil {
				return nil, &models.StoreError{GUID: w.ID, Err: err}
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// FetchSince pages through the collection as the caller consumes records.
func (r *Repository) FetchSince(ctx context.Context, ts int64) iter.Seq2[*models.Record, error] {
	return func(yield func(*models.Record, error) bool) {
		if err := r.Check(); err != nil {
			yield(nil, err)
			return
		}

		offset := ""
		for {
			page, next, err := r.client.List(ctx, r.Collection(), Query{Newer: ts, Limit: r.pageSize, Offset: offset})
			if err != nil {
				yield(nil, err)
				return
			}
			for _, w := range page {
				rec, err := Open(w, r.Collection(), r.cryptor, r.keys)
				if err != nil {
					// Undecryptable records are reported and skipped.
					if !yield(nil, &models.StoreError{GUID: w.ID, Err: err}) {
						return
					}
					continue
				}
				if !yield(rec, nil) {
					return
				}
			}
			if next == "" {
				return
			}
			offset = next
		}
	}
}

func (r *Repository) GuidsSince(ctx context.Context, ts int64) ([]string, error) {
	if err := r.Check(); err != nil {
		return nil, err
	}
	return r.client.ListIDs(ctx, r.Collection(), Query{Newer: ts})
}

func (r *Repository) Store(ctx context.Context, rec *models.Record) (repository.StoreResult, error) {
	if err := r.Check(); err != nil {
		return repository.StoreResult{}, err
	}
	return r.protocol.Store(ctx, rec)
}

func (r *Repository) Wipe(ctx context.Context) error {
	if err := r.Check(); err != nil {
		return err
	}
	return r.client.DeleteCollection(ctx, r.Collection())
}

type remoteBackend struct {
	r *Repository
}

func (b remoteBackend) Lookup(ctx context.Context, guid string) (*models.Record, error) {
	w, _, err := b.r.client.GetRecord(ctx, b.r.Collection(), guid, 0)
	if transport.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := Open(w, b.r.Collection(), b.r.cryptor, b.r.keys)
	if err != nil {
		// An unreadable server copy is overwritten by the record being stored.
		b.r.logger.WithError(err).WithField("guid", guid).Warn("Replacing unreadable remote record")
		return nil, nil
	}
	return rec, nil
}

func (b remoteBackend) Put(ctx context.Context, rec *models.Record) error {
	w, err := Seal(rec, b.r.cryptor, b.r.keys)
	if err != nil {
		return err
	}
	if _, err := b.r.client.PutRecord(ctx, b.r.Collection(), w, 0); err != nil {
		return err
	}
	b.r.logger.WithField("guid", rec.GUID).Debug("Uploaded record")
	return nil
}

func (b remoteBackend) PendingChildren(ctx context.Context, parent string) ([]*models.Record, error) {
	return nil, nil
}

func (b remoteBackend) Pending(ctx context.Context) ([]*models.Record, error) {
	return nil, nil
}
