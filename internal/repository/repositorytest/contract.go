// Package repositorytest checks that a Repository honours the store
// contract. Adapter packages run it from their own tests.
package repositorytest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/repository"
)

// Factory creates an empty repository for opts.
type Factory func(t *testing.T, opts repository.Options) repository.Repository

// Record builds a record with a small JSON payload.
func Record(collection, guid string, lastModified int64, title string) *models.Record {
	payload, _ := json.Marshal(map[string]string{"title": title})
	return &models.Record{
		GUID:         guid,
		Collection:   collection,
		LastModified: lastModified,
		Payload:      payload,
	}
}

// Collect drains FetchSince.
func Collect(t *testing.T, repo repository.Repository, ts int64) []*models.Record {
	t.Helper()
	var out []*models.Record
	for r, err := range repo.FetchSince(context.Background(), ts) {
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func begin(t *testing.T, newRepo Factory, opts repository.Options) repository.Repository {
	t.Helper()
	repo := newRepo(t, opts)
	require.NoError(t, repo.Begin(context.Background()))
	return repo
}

// Run exercises the contract against repositories made by newRepo.
func Run(t *testing.T, newRepo Factory) {
	ctx := context.Background()
	flat := repository.Options{Collection: "history", MaterializeTombstones: true}
	tree := repository.Options{Collection: "bookmarks", MaterializeTombstones: true, Hierarchical: true}

	t.Run("inactive session", func(t *testing.T) {
		repo := newRepo(t, flat)

		_, err := repo.Store(ctx, Record("history", "aaaaaaaaaaaa", 1, "x"))
		assert.ErrorIs(t, err, models.ErrInactiveSession)
		_, err = repo.GuidsSince(ctx, 0)
		assert.ErrorIs(t, err, models.ErrInactiveSession)
		_, err = repo.Fetch(ctx, []string{"aaaaaaaaaaaa"})
		assert.ErrorIs(t, err, models.ErrInactiveSession)
		assert.ErrorIs(t, repo.Wipe(ctx), models.ErrInactiveSession)
		assert.ErrorIs(t, repo.Finish(ctx), models.ErrInactiveSession)
		for _, err := range repo.FetchSince(ctx, 0) {
			assert.ErrorIs(t, err, models.ErrInactiveSession)
		}

		require.NoError(t, repo.Begin(ctx))
		assert.Error(t, repo.Begin(ctx))
		require.NoError(t, repo.Finish(ctx))

		_, err = repo.Store(ctx, Record("history", "aaaaaaaaaaaa", 1, "x"))
		assert.ErrorIs(t, err, models.ErrInactiveSession)
		assert.NoError(t, repo.Close(ctx))
	})

	t.Run("rejects bad records", func(t *testing.T) {
		repo := begin(t, newRepo, flat)
		defer repo.Close(ctx)

		_, err := repo.Store(ctx, nil)
		assert.ErrorIs(t, err, models.ErrNilRecord)

		_, err = repo.Store(ctx, &models.Record{GUID: ""})
		var invalid *models.InvalidRecordError
		assert.ErrorAs(t, err, &invalid)

		_, err = repo.Store(ctx, Record("forms", "aaaaaaaaaaaa", 1, "x"))
		var unsupported *models.UnsupportedTypeError
		require.ErrorAs(t, err, &unsupported)
		assert.Equal(t, "forms", unsupported.Collection)
		assert.Equal(t, "history", unsupported.Supported)

		guids, err := repo.GuidsSince(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, guids)
	})

	t.Run("last writer wins", func(t *testing.T) {
		repo := begin(t, newRepo, flat)
		defer repo.Close(ctx)

		first, err := repo.Store(ctx, Record("history", "aaaaaaaaaaaa", 100, "old"))
		require.NoError(t, err)
		assert.Equal(t, repository.Inserted, first.Outcome)
		require.NotZero(t, first.Record.LocalID)

		newer, err := repo.Store(ctx, Record("history", "aaaaaaaaaaaa", 150, "new"))
		require.NoError(t, err)
		assert.Equal(t, repository.Replaced, newer.Outcome)
		assert.JSONEq(t, `{"title":"new"}`, string(newer.Record.Payload))
		assert.Equal(t, first.Record.LocalID, newer.Record.LocalID)

		older, err := repo.Store(ctx, Record("history", "aaaaaaaaaaaa", 50, "older"))
		require.NoError(t, err)
		assert.Equal(t, repository.Kept, older.Outcome)
		assert.JSONEq(t, `{"title":"new"}`, string(older.Record.Payload))
		assert.Equal(t, int64(150), older.Record.LastModified)

		tie, err := repo.Store(ctx, Record("history", "aaaaaaaaaaaa", 150, "same instant"))
		require.NoError(t, err)
		assert.Equal(t, repository.Kept, tie.Outcome)

		got, err := repo.Fetch(ctx, []string{"aaaaaaaaaaaa", "missingguid0"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.JSONEq(t, `{"title":"new"}`, string(got[0].Payload))
	})

	t.Run("newer unchanged record advances timestamp", func(t *testing.T) {
		repo := begin(t, newRepo, flat)
		defer repo.Close(ctx)

		_, err := repo.Store(ctx, Record("history", "aaaaaaaaaaaa", 100, "a"))
		require.NoError(t, err)

		same, err := repo.Store(ctx, Record("history", "aaaaaaaaaaaa", 150, "a"))
		require.NoError(t, err)
		assert.Equal(t, repository.Replaced, same.Outcome)
		assert.Equal(t, int64(150), same.Record.LastModified)

		// A write stamped between the two must lose to the later one.
		between, err := repo.Store(ctx, Record("history", "aaaaaaaaaaaa", 120, "b"))
		require.NoError(t, err)
		assert.Equal(t, repository.Kept, between.Outcome)

		got, err := repo.Fetch(ctx, []string{"aaaaaaaaaaaa"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(150), got[0].LastModified)
		assert.JSONEq(t, `{"title":"a"}`, string(got[0].Payload))
	})

	t.Run("tombstones", func(t *testing.T) {
		repo := begin(t, newRepo, flat)
		defer repo.Close(ctx)

		_, err := repo.Store(ctx, Record("history", "aaaaaaaaaaaa", 100, "x"))
		require.NoError(t, err)

		res, err := repo.Store(ctx, models.NewTombstone("history", "aaaaaaaaaaaa", 200))
		require.NoError(t, err)
		assert.Equal(t, repository.Replaced, res.Outcome)
		assert.True(t, res.Record.Deleted)

		records := Collect(t, repo, 200)
		require.Len(t, records, 1)
		assert.True(t, records[0].Deleted)

		guids, err := repo.GuidsSince(ctx, 150)
		require.NoError(t, err)
		assert.Equal(t, []string{"aaaaaaaaaaaa"}, guids)

		// An older live record does not resurrect it.
		res, err = repo.Store(ctx, Record("history", "aaaaaaaaaaaa", 180, "x"))
		require.NoError(t, err)
		assert.Equal(t, repository.Kept, res.Outcome)
		assert.True(t, res.Record.Deleted)

		unseen, err := repo.Store(ctx, models.NewTombstone("history", "bbbbbbbbbbbb", 300))
		require.NoError(t, err)
		assert.Equal(t, repository.Inserted, unseen.Outcome)
	})

	t.Run("unknown tombstones ignored when configured", func(t *testing.T) {
		opts := flat
		opts.MaterializeTombstones = false
		repo := begin(t, newRepo, opts)
		defer repo.Close(ctx)

		res, err := repo.Store(ctx, models.NewTombstone("history", "bbbbbbbbbbbb", 300))
		require.NoError(t, err)
		assert.Equal(t, repository.Ignored, res.Outcome)
		assert.Empty(t, Collect(t, repo, 0))
	})

	t.Run("fetch since is inclusive and ordered", func(t *testing.T) {
		repo := begin(t, newRepo, flat)
		defer repo.Close(ctx)

		for i, guid := range []string{"cccccccccccc", "aaaaaaaaaaaa", "bbbbbbbbbbbb"} {
			_, err := repo.Store(ctx, Record("history", guid, int64(100*(i+1)), guid))
			require.NoError(t, err)
		}

		records := Collect(t, repo, 200)
		require.Len(t, records, 2)
		assert.Equal(t, "aaaaaaaaaaaa", records[0].GUID)
		assert.Equal(t, "bbbbbbbbbbbb", records[1].GUID)

		// Stopping early is allowed.
		for range repo.FetchSince(ctx, 0) {
			break
		}
	})

	t.Run("re-parenting", func(t *testing.T) {
		repo := begin(t, newRepo, tree)
		defer repo.Close(ctx)

		child := Record("bookmarks", "childguid000", 100, "child")
		child.ParentID = "foldguid0000"
		res, err := repo.Store(ctx, child)
		require.NoError(t, err)
		assert.Equal(t, models.DefaultParentGUID, res.Record.ParentID)
		assert.Equal(t, "foldguid0000", res.Record.PendingParentID)

		err = repo.Finish(ctx)
		var orphan *models.OrphanedRecordError
		require.ErrorAs(t, err, &orphan)
		assert.Equal(t, "childguid000", orphan.GUID)
		assert.Equal(t, "foldguid0000", orphan.ParentID)

		folder := Record("bookmarks", "foldguid0000", 90, "folder")
		folder.ParentID = models.ToolbarFolderGUID
		res, err = repo.Store(ctx, folder)
		require.NoError(t, err)
		assert.Equal(t, models.ToolbarFolderGUID, res.Record.ParentID)
		assert.Empty(t, res.Record.PendingParentID)

		got, err := repo.Fetch(ctx, []string{"childguid000"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "foldguid0000", got[0].ParentID)
		assert.Empty(t, got[0].PendingParentID)

		require.NoError(t, repo.Finish(ctx))
	})

	t.Run("pending parent survives newer child", func(t *testing.T) {
		repo := begin(t, newRepo, tree)
		defer repo.Close(ctx)

		child := Record("bookmarks", "childguid000", 100, "child")
		child.ParentID = "foldguid0000"
		_, err := repo.Store(ctx, child)
		require.NoError(t, err)

		update := Record("bookmarks", "childguid000", 200, "renamed")
		update.ParentID = "foldguid0000"
		res, err := repo.Store(ctx, update)
		require.NoError(t, err)
		assert.Equal(t, repository.Replaced, res.Outcome)
		assert.Equal(t, "foldguid0000", res.Record.PendingParentID)
		assert.Equal(t, models.DefaultParentGUID, res.Record.ParentID)
	})

	t.Run("child of deleted folder", func(t *testing.T) {
		repo := begin(t, newRepo, tree)
		defer repo.Close(ctx)

		_, err := repo.Store(ctx, models.NewTombstone("bookmarks", "foldguid0000", 100))
		require.NoError(t, err)

		child := Record("bookmarks", "childguid000", 200, "child")
		child.ParentID = "foldguid0000"
		res, err := repo.Store(ctx, child)
		require.NoError(t, err)
		assert.Equal(t, models.DefaultParentGUID, res.Record.ParentID)
		assert.Empty(t, res.Record.PendingParentID)

		require.NoError(t, repo.Finish(ctx))
	})

	t.Run("folder deleted after child parked", func(t *testing.T) {
		repo := begin(t, newRepo, tree)
		defer repo.Close(ctx)

		child := Record("bookmarks", "childguid000", 100, "child")
		child.ParentID = "foldguid0000"
		_, err := repo.Store(ctx, child)
		require.NoError(t, err)

		_, err = repo.Store(ctx, models.NewTombstone("bookmarks", "foldguid0000", 200))
		require.NoError(t, err)

		got, err := repo.Fetch(ctx, []string{"childguid000"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, models.DefaultParentGUID, got[0].ParentID)
		assert.Empty(t, got[0].PendingParentID)

		require.NoError(t, repo.Finish(ctx))
	})

	t.Run("wipe", func(t *testing.T) {
		repo := begin(t, newRepo, flat)
		defer repo.Close(ctx)

		_, err := repo.Store(ctx, Record("history", "aaaaaaaaaaaa", 1, "x"))
		require.NoError(t, err)
		require.NoError(t, repo.Wipe(ctx))
		assert.Empty(t, Collect(t, repo, 0))
	})
}
