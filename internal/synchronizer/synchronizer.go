// Package synchronizer reconciles two repositories in one bidirectional pass.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/TheMichaelB/recsync/internal/async"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/prefs"
	"github.com/TheMichaelB/recsync/internal/repository"
	"github.com/TheMichaelB/recsync/internal/transport"
)

// Delegate is told about per-record failures. They never abort a pass.
type Delegate interface {
	StoreFailed(collection, guid string, err error)
}

// DelegateFunc adapts a function to Delegate.
type DelegateFunc func(collection, guid string, err error)

func (f DelegateFunc) StoreFailed(collection, guid string, err error) {
	f(collection, guid, err)
}

type nopDelegate struct{}

func (nopDelegate) StoreFailed(string, string, error) {}

// Stats counts what happened to the records flowing in one direction.
type Stats struct {
	Fetched  int
	Inserted int
	Replaced int
	Kept     int
	Ignored  int
	Skipped  int
	Failed   int
}

func (s *Stats) count(o repository.Outcome) {
	switch o {
	case repository.Inserted:
		s.Inserted++
	case repository.Replaced:
		s.Replaced++
	case repository.Kept:
		s.Kept++
	case repository.Ignored:
		s.Ignored++
	}
}

// Applied returns the number of records that changed the target.
func (s Stats) Applied() int {
	return s.Inserted + s.Replaced
}

// Report describes a completed pass.
type Report struct {
	Collection string
	Incoming   Stats // A into B
	Outgoing   Stats // B into A
	Config     Configuration
}

// Options configures a Synchronizer.
type Options struct {
	// Remote is side A and Local is side B.
	Remote repository.Repository
	Local  repository.Repository

	// Prefs holds the persisted Configuration for this pair.
	Prefs *prefs.Branch

	// SyncID identifies the data lineage. When it differs from the stored
	// one the pair state is discarded and the pass fetches everything.
	SyncID string

	Clock    clockwork.Clock
	Delegate Delegate
	Logger   *events.Logger

	// MaxConcurrentStores bounds concurrent Store calls within a step.
	// Zero or one stores sequentially.
	MaxConcurrentStores int
}

// Synchronizer runs passes between a remote and a local repository.
type Synchronizer struct {
	remote   repository.Repository
	local    repository.Repository
	prefs    *prefs.Branch
	syncID   string
	clock    clockwork.Clock
	delegate Delegate
	logger   *events.Logger
	maxStore int
}

// New validates opts and returns a Synchronizer.
func New(opts Options) (*Synchronizer, error) {
	if opts.Remote == nil || opts.Local == nil {
		return nil, fmt.Errorf("%w: synchronizer needs two repositories", models.ErrInvalidConfig)
	}
	if opts.Prefs == nil {
		return nil, fmt.Errorf("%w: synchronizer needs a prefs branch", models.ErrInvalidConfig)
	}
	if opts.Remote.Collection() != opts.Local.Collection() {
		return nil, fmt.Errorf("%w: collections differ: %s != %s",
			models.ErrInvalidConfig, opts.Remote.Collection(), opts.Local.Collection())
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Delegate == nil {
		opts.Delegate = nopDelegate{}
	}
	if opts.Logger == nil {
		opts.Logger = events.NewNopLogger()
	}

	return &Synchronizer{
		remote:   opts.Remote,
		local:    opts.Local,
		prefs:    opts.Prefs,
		syncID:   opts.SyncID,
		clock:    opts.Clock,
		delegate: opts.Delegate,
		logger:   opts.Logger.WithFields(map[string]interface{}{"component": "synchronizer", "collection": opts.Local.Collection()}),
		maxStore: opts.MaxConcurrentStores,
	}, nil
}

// Collection returns the collection both sides hold.
func (s *Synchronizer) Collection() string {
	return s.local.Collection()
}

// SynchronizeAsync runs Synchronize on exec. Server responses that failed
// arrive as Failure results; everything else that went wrong is an Error.
func (s *Synchronizer) SynchronizeAsync(ctx context.Context, exec async.Executor) *async.Future[*Report] {
	return async.Go(exec, func() async.Result[*Report] {
		report, err := s.Synchronize(ctx)
		if err == nil {
			return async.Ok(report)
		}
		if _, ok := transport.AsHTTPError(err); ok {
			return async.Fail[*Report](err)
		}
		return async.Errored[*Report](err)
	})
}

// Synchronize runs one pass. A returned error leaves the stored timestamps
// untouched so the same window is retried next time.
func (s *Synchronizer) Synchronize(ctx context.Context) (*Report, error) {
	cfg, err := LoadConfiguration(s.prefs)
	if err != nil {
		return nil, err
	}
	if s.syncID != "" && cfg.SyncID != s.syncID {
		if cfg.SyncID != "" {
			s.logger.WithFields(map[string]interface{}{
				"old_sync_id": cfg.SyncID,
				"new_sync_id": s.syncID,
			}).Info("Sync ID changed, fetching everything")
		}
		cfg = Configuration{SyncID: s.syncID}
	}

	report := &Report{Collection: s.Collection()}

	if err := s.remote.Begin(ctx); err != nil {
		return nil, fmt.Errorf("begin remote: %w", err)
	}
	if err := s.local.Begin(ctx); err != nil {
		s.closeAll(ctx)
		return nil, fmt.Errorf("begin local: %w", err)
	}

	startRemote := s.now()
	applied, err := s.flow(ctx, s.remote, s.local, cfg.RemoteTimestamp, nil, &report.Incoming)
	if err != nil {
		s.closeAll(ctx)
		return nil, fmt.Errorf("fetch remote changes: %w", err)
	}

	startLocal := s.now()
	if _, err := s.flow(ctx, s.local, s.remote, cfg.LocalTimestamp, applied, &report.Outgoing); err != nil {
		s.closeAll(ctx)
		return nil, fmt.Errorf("upload local changes: %w", err)
	}

	cfg.RemoteTimestamp = startRemote
	cfg.LocalTimestamp = startLocal
	if err := cfg.Persist(s.prefs); err != nil {
		s.closeAll(ctx)
		return nil, err
	}
	report.Config = cfg

	if err := s.finish(ctx, s.remote); err != nil {
		s.closeAll(ctx)
		return nil, fmt.Errorf("finish remote: %w", err)
	}
	if err := s.finish(ctx, s.local); err != nil {
		s.closeAll(ctx)
		return nil, fmt.Errorf("finish local: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"incoming_applied": report.Incoming.Applied(),
		"outgoing_applied": report.Outgoing.Applied(),
		"failed":           report.Incoming.Failed + report.Outgoing.Failed,
	}).Info("Synchronized")
	return report, nil
}

// flow stores every record src changed since ts into dst. GUIDs in skip
// were just written into src by the other direction and are not echoed.
// It returns the GUIDs whose store changed dst.
func (s *Synchronizer) flow(ctx context.Context, src, dst repository.Repository, ts int64, skip map[string]bool, stats *Stats) (map[string]bool, error) {
	var (
		mu      sync.Mutex
		applied = make(map[string]bool)
		fatal   error
		tracker async.CompletionTracker
	)

	var exec async.Executor = async.InlineExecutor{}
	if s.maxStore > 1 {
		pool := async.NewPoolExecutor(s.maxStore)
		defer pool.Close()
		exec = pool
	}

	failed := func(guid string, err error) {
		stats.Failed++
		s.delegate.StoreFailed(s.Collection(), guid, err)
		s.logger.WithError(err).WithField("guid", guid).Warn("Record failed to store")
	}

	for rec, err := range src.FetchSince(ctx, ts) {
		if err != nil {
			var se *models.StoreError
			if errors.As(err, &se) {
				mu.Lock()
				failed(se.GUID, se.Err)
				mu.Unlock()
				continue
			}
			mu.Lock()
			fatal = err
			mu.Unlock()
			break
		}

		mu.Lock()
		stop := fatal != nil
		if !stop {
			stats.Fetched++
		}
		echo := skip[rec.GUID]
		if echo && !stop {
			stats.Skipped++
		}
		mu.Unlock()
		if stop {
			break
		}
		if echo {
			continue
		}

		tracker.Add(1)
		exec.Submit(func() {
			defer tracker.Done()

			res, err := dst.Store(ctx, rec)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				stats.count(res.Outcome)
				if res.Outcome.Applied() {
					applied[rec.GUID] = true
				}
			case isRecordError(err):
				failed(rec.GUID, err)
			case fatal == nil:
				fatal = err
			}
		})
	}

	<-tracker.Wait()

	mu.Lock()
	defer mu.Unlock()
	if fatal != nil {
		return nil, fatal
	}
	return applied, nil
}

// finish ends the adapter session. Orphans are reported and the session
// is closed without failing the pass.
func (s *Synchronizer) finish(ctx context.Context, repo repository.Repository) error {
	err := repo.Finish(ctx)
	var orphan *models.OrphanedRecordError
	if errors.As(err, &orphan) {
		s.delegate.StoreFailed(repo.Collection(), orphan.GUID, err)
		s.logger.WithError(err).Warn("Finished with orphaned records")
		return repo.Close(ctx)
	}
	return err
}

func (s *Synchronizer) closeAll(ctx context.Context) {
	_ = s.remote.Close(ctx)
	_ = s.local.Close(ctx)
}

func (s *Synchronizer) now() int64 {
	return s.clock.Now().UnixMilli()
}

// isRecordError reports failures scoped to a single record.
func isRecordError(err error) bool {
	var (
		invalid     *models.InvalidRecordError
		unsupported *models.UnsupportedTypeError
		orphan      *models.OrphanedRecordError
		store       *models.StoreError
	)
	return errors.Is(err, models.ErrNilRecord) ||
		errors.As(err, &invalid) ||
		errors.As(err, &unsupported) ||
		errors.As(err, &orphan) ||
		errors.As(err, &store)
}
