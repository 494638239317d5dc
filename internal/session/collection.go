package session

import (
	"context"
	"fmt"

	"github.com/TheMichaelB/recsync/internal/async"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/repository"
	"github.com/TheMichaelB/recsync/internal/repository/server"
	"github.com/TheMichaelB/recsync/internal/synchronizer"
)

// collectionStage runs one Synchronizer pass between the remote collection
// and its local repository.
type collectionStage struct {
	collection string
}

func (c *collectionStage) Execute(ctx context.Context, s *GlobalSession) error {
	ctx = events.WithCollection(ctx, c.collection)
	logger := events.FromContext(ctx)

	if !s.collections[c.collection] {
		logger.Debug("Collection disabled, skipping")
		return nil
	}
	if s.local == nil {
		return fmt.Errorf("no local repository for %s", c.collection)
	}

	meta := s.config.MetaGlobal()
	engine, ok := meta.Engines[c.collection]
	if !ok {
		return fmt.Errorf("meta/global has no engine for %s", c.collection)
	}

	keys, _ := s.config.CollectionKeys()
	if keys == nil {
		return fmt.Errorf("no keys for %s", c.collection)
	}

	local, err := s.local(c.collection)
	if err != nil {
		return fmt.Errorf("open local %s: %w", c.collection, err)
	}

	branch := s.config.EngineBranch(c.collection)
	info := s.config.InfoCollections()

	skip, err := c.unchanged(ctx, s, local, engine.SyncID)
	if err != nil {
		return err
	}
	if skip {
		logger.Debug("No changes on either side, skipping")
		return nil
	}

	remote, err := server.NewRepository(server.Config{
		Client:                s.client,
		Collection:            c.collection,
		Cryptor:               s.cryptor,
		Keys:                  keys.KeyFor(c.collection),
		MaterializeTombstones: s.tombstones,
		PageSize:              s.pageSize,
	}, s.logger)
	if err != nil {
		return err
	}

	pass, err := synchronizer.New(synchronizer.Options{
		Remote:              remote,
		Local:               local,
		Prefs:               branch,
		SyncID:              engine.SyncID,
		Clock:               s.clock,
		Delegate:            s,
		Logger:              logger,
		MaxConcurrentStores: s.maxStores,
	})
	if err != nil {
		return err
	}

	// The report and check time are recorded only after a successful pass.
	done := async.ContinueOn(s.exec, pass.SynchronizeAsync(ctx, s.exec),
		func(r async.Result[*synchronizer.Report]) async.Result[*synchronizer.Report] {
			if r.Kind != async.Success {
				return r
			}
			s.mu.Lock()
			s.reports[c.collection] = r.Value
			s.mu.Unlock()

			if ts, ok := info[c.collection]; ok {
				if err := s.config.SetLastCheck(c.collection, ts); err != nil {
					return async.Errored[*synchronizer.Report](err)
				}
			}
			return r
		})

	result, err := done.Await(ctx)
	if err != nil {
		return err
	}
	if result.Kind != async.Success {
		return result.Err
	}
	return nil
}

// unchanged reports whether neither side moved since the last pass.
func (c *collectionStage) unchanged(ctx context.Context, s *GlobalSession, local repository.Repository, engineSyncID string) (bool, error) {
	cfg, err := synchronizer.LoadConfiguration(s.config.EngineBranch(c.collection))
	if err != nil {
		return false, err
	}
	if cfg.SyncID != engineSyncID || cfg.LocalTimestamp == 0 {
		return false, nil
	}
	if s.config.InfoCollections().Changed(c.collection, s.config.LastCheck(c.collection)) {
		return false, nil
	}

	if err := local.Begin(ctx); err != nil {
		return false, err
	}
	defer local.Close(ctx)

	guids, err := local.GuidsSince(ctx, cfg.LocalTimestamp)
	if err != nil {
		return false, err
	}
	return len(guids) == 0, nil
}
