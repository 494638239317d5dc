// Package sqlite stores records for any number of collections in one SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/repository"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
    local_id INTEGER PRIMARY KEY AUTOINCREMENT,
    collection TEXT NOT NULL,
    guid TEXT NOT NULL,
    last_modified INTEGER NOT NULL,
    deleted INTEGER NOT NULL DEFAULT 0,
    payload BLOB,
    parent_id TEXT NOT NULL DEFAULT '',
    pending_parent_id TEXT NOT NULL DEFAULT '',
    UNIQUE (collection, guid)
);

CREATE INDEX IF NOT EXISTS idx_records_modified ON records(collection, last_modified);
CREATE INDEX IF NOT EXISTS idx_records_pending ON records(collection, pending_parent_id);
`

const recordColumns = "local_id, guid, last_modified, deleted, payload, parent_id, pending_parent_id"

// DB is an open records database.
type DB struct {
	db     *sql.DB
	logger *events.Logger
}

// Open opens or creates the database at path.
func Open(path string, logger *events.Logger) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DB{
		db:     db,
		logger: logger.WithField("component", "sqlite_records"),
	}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Repository returns the repository for opts.Collection.
func (d *DB) Repository(opts repository.Options) *Repository {
	return &Repository{
		db:     d.db,
		opts:   opts,
		logger: d.logger.WithField("collection", opts.Collection),
	}
}

// Repository is a SQLite-backed repository for one collection.
type Repository struct {
	repository.Lifecycle

	db     *sql.DB
	opts   repository.Options
	logger *events.Logger

	// Serializes Store so lookup and write happen in one transaction.
	mu sync.Mutex
}

func (r *Repository) Collection() string {
	return r.opts.Collection
}

func (r *Repository) Begin(ctx context.Context) error {
	return r.Lifecycle.Begin()
}

func (r *Repository) Finish(ctx context.Context) error {
	if err := r.Check(); err != nil {
		return err
	}
	protocol := repository.NewProtocol(r.opts, r.backend(r.db))
	if err := protocol.CheckOrphans(ctx); err != nil {
		return err
	}
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

	args := make([]interface{}, 0, len(guids)+1)
	args = append(args, r.opts.Collection)
	for _, g := range guids {
		args = append(args, g)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(guids)), ",")

	rows, err := r.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM records WHERE collection = ? AND guid IN ("+placeholders+") ORDER BY guid",
		args...)
	if err != nil {
		return nil, fmt.Errorf("fetch records: %w", err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		rec, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repository) FetchSince(ctx context.Context, ts int64) iter.Seq2[*models.Record, error] {
	return func(yield func(*models.Record, error) bool) {
		if err := r.Check(); err != nil {
			yield(nil, err)
			return
		}

		rows, err := r.db.QueryContext(ctx,
			"SELECT "+recordColumns+" FROM records WHERE collection = ? AND last_modified >= ? ORDER BY last_modified, guid",
			r.opts.Collection, ts)
		if err != nil {
			yield(nil, fmt.Errorf("query records: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := r.scan(rows)
			if !yield(rec, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func (r *Repository) GuidsSince(ctx context.Context, ts int64) ([]string, error) {
	if err := r.Check(); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT guid FROM records WHERE collection = ? AND last_modified >= ? ORDER BY guid",
		r.opts.Collection, ts)
	if err != nil {
		return nil, fmt.Errorf("query guids: %w", err)
	}
	defer rows.Close()

	var guids []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("scan guid: %w", err)
		}
		guids = append(guids, g)
	}
	return guids, rows.Err()
}

func (r *Repository) Store(ctx context.Context, rec *models.Record) (repository.StoreResult, error) {
	if err := r.Check(); err != nil {
		return repository.StoreResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return repository.StoreResult{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := repository.NewProtocol(r.opts, r.backend(tx)).Store(ctx, rec)
	if err != nil {
		return repository.StoreResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return repository.StoreResult{}, fmt.Errorf("commit: %w", err)
	}

	r.logger.WithFields(map[string]interface{}{
		"guid":    rec.GUID,
		"outcome": res.Outcome.String(),
	}).Debug("Stored record")

	return res, nil
}

func (r *Repository) Wipe(ctx context.Context) error {
	if err := r.Check(); err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, "DELETE FROM records WHERE collection = ?", r.opts.Collection); err != nil {
		return fmt.Errorf("wipe %s: %w", r.opts.Collection, err)
	}
	r.logger.Info("Wiped collection")
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (r *Repository) scan(row scanner) (*models.Record, error) {
	var (
		rec     models.Record
		deleted int
		payload []byte
	)
	err := row.Scan(&rec.LocalID, &rec.GUID, &rec.LastModified, &deleted, &payload, &rec.ParentID, &rec.PendingParentID)
	if err != nil {
		return nil, err
	}
	rec.Collection = r.opts.Collection
	rec.Deleted = deleted != 0
	if len(payload) > 0 {
		rec.Payload = payload
	}
	return &rec, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (r *Repository) backend(q querier) *sqlBackend {
	return &sqlBackend{repo: r, q: q}
}

type sqlBackend struct {
	repo *Repository
	q    querier
}

func (b *sqlBackend) Lookup(ctx context.Context, guid string) (*models.Record, error) {
	row := b.q.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM records WHERE collection = ? AND guid = ?",
		b.repo.opts.Collection, guid)
	rec, err := b.repo.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (b *sqlBackend) Put(ctx context.Context, rec *models.Record) error {
	deleted := 0
	if rec.Deleted {
		deleted = 1
	}
	var payload []byte
	if len(rec.Payload) > 0 {
		payload = rec.Payload
	}

	if rec.LocalID != 0 {
		_, err := b.q.ExecContext(ctx, `
            UPDATE records SET last_modified = ?, deleted = ?, payload = ?, parent_id = ?, pending_parent_id = ?
            WHERE local_id = ?`,
			rec.LastModified, deleted, payload, rec.ParentID, rec.PendingParentID, rec.LocalID)
		return err
	}

	result, err := b.q.ExecContext(ctx, `
        INSERT INTO records (collection, guid, last_modified, deleted, payload, parent_id, pending_parent_id)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.repo.opts.Collection, rec.GUID, rec.LastModified, deleted, payload, rec.ParentID, rec.PendingParentID)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	rec.LocalID = id
	return nil
}

func (b *sqlBackend) PendingChildren(ctx context.Context, parent string) ([]*models.Record, error) {
	return b.query(ctx,
		"SELECT "+recordColumns+" FROM records WHERE collection = ? AND pending_parent_id = ? ORDER BY guid",
		b.repo.opts.Collection, parent)
}

func (b *sqlBackend) Pending(ctx context.Context) ([]*models.Record, error) {
	return b.query(ctx,
		"SELECT "+recordColumns+" FROM records WHERE collection = ? AND pending_parent_id != '' ORDER BY guid",
		b.repo.opts.Collection)
}

func (b *sqlBackend) query(ctx context.Context, query string, args ...interface{}) ([]*models.Record, error) {
	rows, err := b.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		rec, err := b.repo.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
