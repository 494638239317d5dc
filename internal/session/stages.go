package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/TheMichaelB/recsync/internal/crypto"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/repository/server"
	"github.com/TheMichaelB/recsync/internal/transport"
)

const engineVersion = 1

func checkPreconditions(ctx context.Context, s *GlobalSession) error {
	if s.config.Deactivated() {
		return models.ErrDeactivated
	}
	if s.callback.ShouldBackOffStorage() {
		return models.ErrBackoff
	}
	return nil
}

// ensureClusterURL asks the node assignment service where this account's
// data lives, unless a previous attempt already knows.
func ensureClusterURL(ctx context.Context, s *GlobalSession) error {
	cluster := s.config.ClusterURL()
	if cluster == "" {
		if s.nodeURL == nil {
			return models.ErrNoClusterURL
		}

		u := *s.nodeURL
		u.Path += "user/1.0/" + url.PathEscape(s.config.Username()) + "/node/weave"
		resp, err := s.transport.Do(ctx, &transport.Request{Method: http.MethodGet, URL: u.String()})
		if err != nil {
			return err
		}

		cluster = strings.TrimSpace(string(resp.Body))
		if cluster == "" || cluster == "null" {
			return models.ErrNoClusterURL
		}
		if err := s.config.SetClusterURL(cluster); err != nil {
			return fmt.Errorf("persist cluster url: %w", err)
		}
		events.FromContext(ctx).WithField("cluster", cluster).Info("Assigned to cluster")
	}

	client, err := server.NewClient(cluster, s.transport, s.logger)
	if err != nil {
		// A garbage URL would fail every attempt; forget it.
		_ = s.config.ClearClusterURL()
		return err
	}
	s.client = client
	return nil
}

func fetchInfoCollections(ctx context.Context, s *GlobalSession) error {
	info, _, err := s.client.InfoCollections(ctx)
	if err != nil {
		return err
	}
	s.config.setInfoCollections(info)
	return nil
}

// fetchMetaGlobal downloads meta/global, or reuses the cached copy when the
// server says it has not changed, and picks the recovery path for it.
func fetchMetaGlobal(ctx context.Context, s *GlobalSession) error {
	logger := events.FromContext(ctx)
	cached := s.config.MetaGlobal()

	var since int64
	if cached != nil {
		since = cached.LastModified
	}

	w, _, err := s.client.GetRecord(ctx, server.MetaCollection, server.MetaGlobalID, since)
	if transport.IsNotFound(err) {
		logger.Info("No meta/global on server")
		return s.FreshStart(ctx)
	}
	if err != nil {
		return err
	}

	meta := cached
	if w != nil {
		meta, err = models.ParseMetaGlobal([]byte(w.Payload))
		if err != nil {
			logger.WithError(err).Warn("Unusable meta/global")
			return s.FreshStart(ctx)
		}
		meta.LastModified = w.ModifiedMillis()
	}

	return s.processMetaGlobal(ctx, meta)
}

func (s *GlobalSession) processMetaGlobal(ctx context.Context, meta *models.MetaGlobal) error {
	logger := events.FromContext(ctx)

	if err := meta.CheckVersion(s.storageVersion); err != nil {
		var metaErr *models.MetaGlobalError
		if errors.As(err, &metaErr) && metaErr.RequiresFreshStart() {
			logger.WithError(err).Info("Remote storage is outdated")
			return s.FreshStart(ctx)
		}
		s.callback.InformUpgradeRequired(s)
		return err
	}

	if meta.SyncID != s.config.SyncID() {
		logger.WithFields(map[string]interface{}{
			"old_sync_id": s.config.SyncID(),
			"new_sync_id": meta.SyncID,
		}).Info("Sync ID changed, resetting local state")
		if err := s.config.AdoptSyncID(meta.SyncID); err != nil {
			return err
		}
	}

	for name := range s.collections {
		if _, ok := meta.Engines[name]; !ok {
			meta.Engines[name] = models.EngineSettings{Version: engineVersion, SyncID: models.NewGUID()}
			s.metaDirty = true
		}
	}
	return s.config.SetMetaGlobal(meta)
}

// FreshStart replaces all remote state: a new sync ID, empty collections,
// new meta/global and new collection keys.
func (s *GlobalSession) FreshStart(ctx context.Context) error {
	logger := events.FromContext(ctx)
	logger.Warn("Performing fresh start")

	syncID := models.NewGUID()

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range s.wipeList() {
		g.Go(func() error {
			return s.client.DeleteCollection(gctx, name)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fresh start: %w", err)
	}

	if err := s.config.AdoptSyncID(syncID); err != nil {
		return err
	}

	meta := models.NewMetaGlobal(syncID, s.storageVersion)
	for name := range s.collections {
		meta.Engines[name] = models.EngineSettings{Version: engineVersion, SyncID: models.NewGUID()}
	}
	if err := s.putMetaGlobal(ctx, meta, 0); err != nil {
		return fmt.Errorf("fresh start: %w", err)
	}

	keys, err := crypto.GenerateCollectionKeys()
	if err != nil {
		return err
	}
	if err := s.uploadKeys(ctx, keys, 0); err != nil {
		return fmt.Errorf("fresh start: %w", err)
	}
	return nil
}

func (s *GlobalSession) wipeList() []string {
	names := []string{server.MetaCollection, server.CryptoCollection}
	for _, id := range s.pipeline {
		if name, ok := id.Collection(); ok && s.collections[name] {
			names = append(names, name)
		}
	}
	return names
}

func (s *GlobalSession) putMetaGlobal(ctx context.Context, meta *models.MetaGlobal, ifUnmodifiedSince int64) error {
	payload, err := meta.Marshal()
	if err != nil {
		return err
	}
	ts, err := s.client.PutRecord(ctx, server.MetaCollection,
		&server.WireRecord{ID: server.MetaGlobalID, Payload: string(payload)}, ifUnmodifiedSince)
	if err != nil {
		return err
	}
	meta.LastModified = ts
	s.metaDirty = false
	return s.config.SetMetaGlobal(meta)
}

func (s *GlobalSession) uploadKeys(ctx context.Context, keys *crypto.CollectionKeys, ifUnmodifiedSince int64) error {
	payload, err := keys.Marshal()
	if err != nil {
		return err
	}
	envelope, err := s.cryptor.Encrypt(payload, s.config.SyncKey())
	if err != nil {
		return err
	}
	ts, err := s.client.PutRecord(ctx, server.CryptoCollection,
		&server.WireRecord{ID: server.CryptoKeysID, Payload: envelope}, ifUnmodifiedSince)
	if err != nil {
		return err
	}
	return s.config.SetCollectionKeys(keys, ts)
}

// ensureKeys makes sure collection keys are available, fetching them when
// crypto changed on the server and creating them when none exist.
func ensureKeys(ctx context.Context, s *GlobalSession) error {
	logger := events.FromContext(ctx)
	cached, modified := s.config.CollectionKeys()
	info := s.config.InfoCollections()

	if cached != nil && !info.Changed(server.CryptoCollection, modified) {
		return nil
	}

	w, _, err := s.client.GetRecord(ctx, server.CryptoCollection, server.CryptoKeysID, 0)
	if transport.IsNotFound(err) {
		logger.Info("No collection keys on server, generating")
		keys, err := crypto.GenerateCollectionKeys()
		if err != nil {
			return err
		}
		return s.uploadKeys(ctx, keys, info[server.CryptoCollection])
	}
	if err != nil {
		return err
	}

	payload, err := s.cryptor.Decrypt(w.Payload, s.config.SyncKey())
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrNoCollectionKeys, err)
	}
	keys, err := crypto.ParseCollectionKeys(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrNoCollectionKeys, err)
	}

	if cached != nil && !sameKeys(cached, keys) {
		logger.Info("Collection keys changed, resetting collections")
		if err := s.config.ResetEngines(); err != nil {
			return err
		}
	}
	return s.config.SetCollectionKeys(keys, w.ModifiedMillis())
}

func sameKeys(a, b *crypto.CollectionKeys) bool {
	if !a.Default.Equal(b.Default) || len(a.Collections) != len(b.Collections) {
		return false
	}
	for name, kb := range a.Collections {
		if !kb.Equal(b.Collections[name]) {
			return false
		}
	}
	return true
}

func uploadMetaGlobal(ctx context.Context, s *GlobalSession) error {
	if !s.metaDirty {
		return nil
	}
	meta := s.config.MetaGlobal()
	events.FromContext(ctx).Info("Uploading meta/global")
	return s.putMetaGlobal(ctx, meta, meta.LastModified)
}
