package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/recsync/internal/crypto"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/repository"
	"github.com/TheMichaelB/recsync/internal/repository/repositorytest"
	"github.com/TheMichaelB/recsync/internal/repository/server"
	"github.com/TheMichaelB/recsync/internal/transport"
)

const clusterURL = "https://node1.example.org/1.5/alice/"

func newKeys(t *testing.T) *crypto.KeyBundle {
	t.Helper()
	kb, err := crypto.GenerateKeyBundle()
	require.NoError(t, err)
	return kb
}

func newFake() *server.FakeServer {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	return server.NewFakeServer(clock, clusterURL)
}

func newRepo(t *testing.T, fake *server.FakeServer, kb *crypto.KeyBundle, pageSize int) *server.Repository {
	t.Helper()
	client, err := server.NewClient(clusterURL, fake, events.NewNopLogger())
	require.NoError(t, err)

	repo, err := server.NewRepository(server.Config{
		Client:                client,
		Collection:            "history",
		Cryptor:               crypto.NewProvider(),
		Keys:                  kb,
		MaterializeTombstones: true,
		PageSize:              pageSize,
	}, events.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, repo.Begin(context.Background()))
	return repo
}

func TestSealOpenRoundTrip(t *testing.T) {
	kb := newKeys(t)
	p := crypto.NewProvider()

	rec := &models.Record{
		GUID:         "abcdefghijkl",
		Collection:   "bookmarks",
		LastModified: 1700000000123,
		Payload:      json.RawMessage(`{"title":"Example","uri":"https://example.org/"}`),
		ParentID:     "toolbar",
	}

	w, err := server.Seal(rec, p, kb)
	require.NoError(t, err)
	assert.Equal(t, rec.GUID, w.ID)
	assert.NotContains(t, w.Payload, "Example")

	got, err := server.Open(w, "bookmarks", p, kb)
	require.NoError(t, err)
	assert.Equal(t, rec.GUID, got.GUID)
	assert.Equal(t, rec.LastModified, got.LastModified)
	assert.Equal(t, "toolbar", got.ParentID)
	assert.JSONEq(t, string(rec.Payload), string(got.Payload))
	assert.False(t, got.Deleted)
}

func TestSealPendingParent(t *testing.T) {
	kb := newKeys(t)
	p := crypto.NewProvider()

	rec := &models.Record{
		GUID:            "abcdefghijkl",
		LastModified:    10,
		Payload:         json.RawMessage(`{}`),
		ParentID:        models.DefaultParentGUID,
		PendingParentID: "folder000001",
	}
	w, err := server.Seal(rec, p, kb)
	require.NoError(t, err)

	got, err := server.Open(w, "bookmarks", p, kb)
	require.NoError(t, err)
	assert.Equal(t, "folder000001", got.ParentID)
}

func TestSealOpenTombstone(t *testing.T) {
	kb := newKeys(t)
	p := crypto.NewProvider()

	w, err := server.Seal(models.NewTombstone("history", "abcdefghijkl", 42), p, kb)
	require.NoError(t, err)

	got, err := server.Open(w, "history", p, kb)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Empty(t, got.Payload)
	assert.Equal(t, int64(42), got.LastModified)
}

func TestOpenFallsBackToServerTimestamp(t *testing.T) {
	kb := newKeys(t)
	p := crypto.NewProvider()

	envelope, err := p.Encrypt([]byte(`{"id":"abcdefghijkl","title":"x"}`), kb)
	require.NoError(t, err)

	got, err := server.Open(&server.WireRecord{ID: "abcdefghijkl", Modified: "1700000000.250", Payload: envelope}, "history", p, kb)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000250), got.LastModified)
}

func TestOpenRejectsMismatchedID(t *testing.T) {
	kb := newKeys(t)
	p := crypto.NewProvider()

	envelope, err := p.Encrypt([]byte(`{"id":"someoneelse0"}`), kb)
	require.NoError(t, err)

	_, err = server.Open(&server.WireRecord{ID: "abcdefghijkl", Payload: envelope}, "history", p, kb)
	var invalid *models.InvalidRecordError
	assert.ErrorAs(t, err, &invalid)
}

func TestOpenWrongKey(t *testing.T) {
	p := crypto.NewProvider()

	w, err := server.Seal(repositorytest.Record("history", "abcdefghijkl", 1, "x"), p, newKeys(t))
	require.NoError(t, err)

	_, err = server.Open(w, "history", p, newKeys(t))
	assert.Error(t, err)
}

func TestNewClientValidatesURL(t *testing.T) {
	_, err := server.NewClient("not a url", server.NewFakeServer(nil, ""), events.NewNopLogger())
	assert.ErrorIs(t, err, models.ErrInvalidConfig)

	_, err = server.NewClient(clusterURL, nil, events.NewNopLogger())
	assert.ErrorIs(t, err, models.ErrInvalidConfig)

	client, err := server.NewClient("https://node1.example.org/1.5/alice", server.NewFakeServer(nil, ""), events.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, "https://node1.example.org/1.5/alice/info/collections", client.URL("info/collections", nil))
}

func TestNewRepositoryRequiresKeys(t *testing.T) {
	client, err := server.NewClient(clusterURL, newFake(), events.NewNopLogger())
	require.NoError(t, err)

	_, err = server.NewRepository(server.Config{
		Client:     client,
		Collection: "history",
		Cryptor:    crypto.NewProvider(),
	}, events.NewNopLogger())
	assert.ErrorIs(t, err, models.ErrNoCollectionKeys)
}

func TestRepositoryLastWriterWins(t *testing.T) {
	ctx := context.Background()
	fake := newFake()
	repo := newRepo(t, fake, newKeys(t), 0)

	res, err := repo.Store(ctx, repositorytest.Record("history", "abcdefghijkl", 1000, "first"))
	require.NoError(t, err)
	assert.Equal(t, repository.Inserted, res.Outcome)

	res, err = repo.Store(ctx, repositorytest.Record("history", "abcdefghijkl", 900, "stale"))
	require.NoError(t, err)
	assert.Equal(t, repository.Kept, res.Outcome)

	res, err = repo.Store(ctx, repositorytest.Record("history", "abcdefghijkl", 1000, "tie"))
	require.NoError(t, err)
	assert.Equal(t, repository.Kept, res.Outcome)

	res, err = repo.Store(ctx, repositorytest.Record("history", "abcdefghijkl", 2000, "second"))
	require.NoError(t, err)
	assert.Equal(t, repository.Replaced, res.Outcome)

	assert.Equal(t, 2, fake.CountRequests(http.MethodPut, "storage/history/abcdefghijkl"))

	got, err := repo.Fetch(ctx, []string{"abcdefghijkl"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2000), got[0].LastModified)
	assert.JSONEq(t, `{"title":"second"}`, string(got[0].Payload))

	require.NoError(t, repo.Finish(ctx))
}

func TestRepositoryIgnoresUnknownTombstones(t *testing.T) {
	ctx := context.Background()
	fake := newFake()
	client, err := server.NewClient(clusterURL, fake, events.NewNopLogger())
	require.NoError(t, err)

	repo, err := server.NewRepository(server.Config{
		Client:     client,
		Collection: "history",
		Cryptor:    crypto.NewProvider(),
		Keys:       newKeys(t),
	}, events.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, repo.Begin(ctx))

	res, err := repo.Store(ctx, models.NewTombstone("history", "abcdefghijkl", 10))
	require.NoError(t, err)
	assert.Equal(t, repository.Ignored, res.Outcome)
	assert.Equal(t, 0, fake.Count("history"))
}

func TestRepositoryFetchSincePages(t *testing.T) {
	ctx := context.Background()
	fake := newFake()
	repo := newRepo(t, fake, newKeys(t), 2)

	guids := []string{"aaaaaaaaaaaa", "bbbbbbbbbbbb", "cccccccccccc", "dddddddddddd", "eeeeeeeeeeee"}
	for i, guid := range guids {
		_, err := repo.Store(ctx, repositorytest.Record("history", guid, int64(1000+i), guid))
		require.NoError(t, err)
	}

	all := repositorytest.Collect(t, repo, 0)
	require.Len(t, all, len(guids))
	for i, rec := range all {
		assert.Equal(t, guids[i], rec.GUID)
	}
	assert.Equal(t, 3, fake.CountRequests(http.MethodGet, "storage/history?"))

	third, ok := fake.Record("history", "cccccccccccc")
	require.True(t, ok)

	since := repositorytest.Collect(t, repo, third.ModifiedMillis())
	require.Len(t, since, 3)
	assert.Equal(t, "cccccccccccc", since[0].GUID)

	ids, err := repo.GuidsSince(ctx, third.ModifiedMillis())
	require.NoError(t, err)
	assert.Equal(t, []string{"cccccccccccc", "dddddddddddd", "eeeeeeeeeeee"}, ids)
}

func TestRepositoryFetchSinceSkipsUndecryptable(t *testing.T) {
	ctx := context.Background()
	fake := newFake()
	repo := newRepo(t, fake, newKeys(t), 0)

	foreign, err := server.Seal(repositorytest.Record("history", "bbbbbbbbbbbb", 5, "foreign"), crypto.NewProvider(), newKeys(t))
	require.NoError(t, err)
	fake.Put("history", foreign)
	_, err = repo.Store(ctx, repositorytest.Record("history", "aaaaaaaaaaaa", 6, "mine"))
	require.NoError(t, err)

	var (
		got    []string
		failed []string
	)
	for rec, err := range repo.FetchSince(ctx, 0) {
		if err != nil {
			var se *models.StoreError
			require.ErrorAs(t, err, &se)
			failed = append(failed, se.GUID)
			continue
		}
		got = append(got, rec.GUID)
	}
	assert.Equal(t, []string{"aaaaaaaaaaaa"}, got)
	assert.Equal(t, []string{"bbbbbbbbbbbb"}, failed)
}

func TestRepositoryStoreReplacesUndecryptable(t *testing.T) {
	ctx := context.Background()
	fake := newFake()
	keys := newKeys(t)
	repo := newRepo(t, fake, keys, 0)

	fake.Put("history", &server.WireRecord{ID: "aaaaaaaaaaaa", Payload: "not-an-envelope"})

	_, err := repo.Fetch(ctx, []string{"aaaaaaaaaaaa"})
	var se *models.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "aaaaaaaaaaaa", se.GUID)

	res, err := repo.Store(ctx, repositorytest.Record("history", "aaaaaaaaaaaa", 10, "mine"))
	require.NoError(t, err)
	assert.Equal(t, repository.Inserted, res.Outcome)

	got, err := repo.Fetch(ctx, []string{"aaaaaaaaaaaa"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"title":"mine"}`, string(got[0].Payload))
}

func TestRepositoryWipe(t *testing.T) {
	ctx := context.Background()
	fake := newFake()
	repo := newRepo(t, fake, newKeys(t), 0)

	_, err := repo.Store(ctx, repositorytest.Record("history", "aaaaaaaaaaaa", 1, "x"))
	require.NoError(t, err)
	require.Equal(t, 1, fake.Count("history"))

	require.NoError(t, repo.Wipe(ctx))
	assert.Equal(t, 0, fake.Count("history"))

	// Wiping an absent collection succeeds.
	require.NoError(t, repo.Wipe(ctx))
}

func TestClientConditionalRequests(t *testing.T) {
	ctx := context.Background()
	fake := newFake()
	client, err := server.NewClient(clusterURL, fake, events.NewNopLogger())
	require.NoError(t, err)

	ts, err := client.PutRecord(ctx, server.MetaCollection, &server.WireRecord{ID: server.MetaGlobalID, Payload: `{}`}, 0)
	require.NoError(t, err)
	assert.Positive(t, ts)

	w, _, err := client.GetRecord(ctx, server.MetaCollection, server.MetaGlobalID, ts)
	require.NoError(t, err)
	assert.Nil(t, w)

	w, _, err = client.GetRecord(ctx, server.MetaCollection, server.MetaGlobalID, ts-1000)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, ts, w.ModifiedMillis())

	_, err = client.PutRecord(ctx, server.MetaCollection, &server.WireRecord{ID: server.MetaGlobalID, Payload: `{}`}, ts-1000)
	assert.True(t, transport.IsKind(err, transport.KindPrecondition))

	info, _, err := client.InfoCollections(ctx)
	require.NoError(t, err)
	assert.Contains(t, info, server.MetaCollection)
}

func TestFakeServerIntercept(t *testing.T) {
	ctx := context.Background()
	fake := newFake()
	fake.Intercept = func(req *transport.Request) (*transport.Response, bool) {
		return transport.NewResponse(http.StatusServiceUnavailable, nil).WithHeader(transport.HeaderBackoff, "30"), true
	}
	client, err := server.NewClient(clusterURL, fake, events.NewNopLogger())
	require.NoError(t, err)

	_, resp, err := client.InfoCollections(ctx)
	require.Error(t, err)
	assert.True(t, transport.IsKind(err, transport.KindBackoff))
	require.NotNil(t, resp)
	_, backoff := resp.BackoffHints()
	assert.Equal(t, int64(30), backoff)
}
