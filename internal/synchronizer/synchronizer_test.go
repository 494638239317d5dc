package synchronizer_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/recsync/internal/async"
	"github.com/TheMichaelB/recsync/internal/crypto"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/prefs"
	"github.com/TheMichaelB/recsync/internal/repository"
	"github.com/TheMichaelB/recsync/internal/repository/repositorytest"
	"github.com/TheMichaelB/recsync/internal/repository/server"
	"github.com/TheMichaelB/recsync/internal/repository/sqlite"
	"github.com/TheMichaelB/recsync/internal/synchronizer"
	"github.com/TheMichaelB/recsync/internal/transport"
)

var epoch = time.UnixMilli(1_700_000_000_000)

type fixture struct {
	clock  *clockwork.FakeClock
	remote *repository.MemoryRepository
	local  *repository.MemoryRepository
	prefs  *prefs.Branch

	mu       sync.Mutex
	failures map[string]error
}

func newFixture(collection string) *fixture {
	return &fixture{
		clock:    clockwork.NewFakeClockAt(epoch),
		remote:   repository.NewMemoryRepository(repository.Options{Collection: collection, MaterializeTombstones: true}),
		local:    repository.NewMemoryRepository(repository.DefaultOptions(collection)),
		prefs:    prefs.NewBranch(prefs.NewMemoryStore(), "engine."+collection),
		failures: make(map[string]error),
	}
}

func (f *fixture) StoreFailed(collection, guid string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[guid] = err
}

func (f *fixture) synchronizer(t *testing.T, remote, local repository.Repository, syncID string, concurrency int) *synchronizer.Synchronizer {
	t.Helper()
	s, err := synchronizer.New(synchronizer.Options{
		Remote:              remote,
		Local:               local,
		Prefs:               f.prefs,
		SyncID:              syncID,
		Clock:               f.clock,
		Delegate:            f,
		Logger:              events.NewNopLogger(),
		MaxConcurrentStores: concurrency,
	})
	require.NoError(t, err)
	return s
}

func (f *fixture) run(t *testing.T) *synchronizer.Report {
	t.Helper()
	report, err := f.synchronizer(t, f.remote, f.local, "", 0).Synchronize(context.Background())
	require.NoError(t, err)
	return report
}

func seed(t *testing.T, repo repository.Repository, records ...*models.Record) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.Begin(ctx))
	for _, r := range records {
		_, err := repo.Store(ctx, r)
		require.NoError(t, err)
	}
	require.NoError(t, repo.Finish(ctx))
}

type view struct {
	LastModified int64
	Deleted      bool
	Payload      string
	Parent       string
}

func contents(repo *repository.MemoryRepository) map[string]view {
	out := make(map[string]view)
	for guid, r := range repo.Snapshot() {
		out[guid] = view{r.LastModified, r.Deleted, string(r.Payload), r.DeclaredParent()}
	}
	return out
}

func at(offset int64) int64 {
	return epoch.UnixMilli() + offset
}

func TestSynchronizeBothDirections(t *testing.T) {
	f := newFixture("history")
	seed(t, f.remote, repositorytest.Record("history", "remote000001", at(-100), "from remote"))
	seed(t, f.local, repositorytest.Record("history", "local0000001", at(-50), "from local"))

	report := f.run(t)

	assert.Equal(t, 1, report.Incoming.Inserted)
	assert.Equal(t, 1, report.Outgoing.Inserted)
	assert.Equal(t, 1, report.Outgoing.Skipped)
	assert.Equal(t, contents(f.remote), contents(f.local))
	assert.Len(t, contents(f.local), 2)

	cfg, err := synchronizer.LoadConfiguration(f.prefs)
	require.NoError(t, err)
	assert.Equal(t, epoch.UnixMilli(), cfg.RemoteTimestamp)
	assert.Equal(t, epoch.UnixMilli(), cfg.LocalTimestamp)

	assert.False(t, f.remote.Active())
	assert.False(t, f.local.Active())
}

func TestSynchronizeIsIdempotent(t *testing.T) {
	f := newFixture("history")
	seed(t, f.remote,
		repositorytest.Record("history", "aaaaaaaaaaaa", at(-300), "a"),
		models.NewTombstone("history", "bbbbbbbbbbbb", at(-200)),
	)
	seed(t, f.local, repositorytest.Record("history", "cccccccccccc", at(-100), "c"))

	f.run(t)
	first := contents(f.local)

	f.clock.Advance(time.Minute)
	report := f.run(t)

	assert.Zero(t, report.Incoming.Applied())
	assert.Zero(t, report.Outgoing.Applied())
	assert.Equal(t, first, contents(f.local))
	assert.Equal(t, contents(f.remote), contents(f.local))
	assert.True(t, contents(f.local)["bbbbbbbbbbbb"].Deleted)
}

func TestSynchronizeResolvesConflicts(t *testing.T) {
	f := newFixture("history")
	seed(t, f.remote,
		repositorytest.Record("history", "newerremote1", at(-10), "remote wins"),
		repositorytest.Record("history", "newerlocal01", at(-90), "remote loses"),
	)
	seed(t, f.local,
		repositorytest.Record("history", "newerremote1", at(-80), "local loses"),
		repositorytest.Record("history", "newerlocal01", at(-20), "local wins"),
	)

	report := f.run(t)

	assert.Equal(t, 1, report.Incoming.Replaced)
	assert.Equal(t, 1, report.Incoming.Kept)
	assert.Equal(t, 1, report.Outgoing.Replaced)
	assert.Equal(t, 1, report.Outgoing.Skipped)

	got := contents(f.local)
	assert.JSONEq(t, `{"title":"remote wins"}`, got["newerremote1"].Payload)
	assert.JSONEq(t, `{"title":"local wins"}`, got["newerlocal01"].Payload)
	assert.Equal(t, contents(f.remote), got)
}

func TestSynchronizeUsesStoredWindow(t *testing.T) {
	f := newFixture("history")
	require.NoError(t, synchronizer.Configuration{RemoteTimestamp: at(-50), LocalTimestamp: at(-50)}.Persist(f.prefs))

	seed(t, f.remote,
		repositorytest.Record("history", "oldremote001", at(-100), "old"),
		repositorytest.Record("history", "newremote001", at(-50), "boundary"),
	)

	report := f.run(t)
	assert.Equal(t, 1, report.Incoming.Fetched)
	assert.Contains(t, contents(f.local), "newremote001")
	assert.NotContains(t, contents(f.local), "oldremote001")
}

func TestSynchronizeSyncIDChangeFetchesEverything(t *testing.T) {
	f := newFixture("history")
	require.NoError(t, synchronizer.Configuration{SyncID: "oldoldoldold", RemoteTimestamp: at(0), LocalTimestamp: at(0)}.Persist(f.prefs))
	seed(t, f.remote, repositorytest.Record("history", "aaaaaaaaaaaa", at(-1000), "a"))

	report, err := f.synchronizer(t, f.remote, f.local, "newnewnewnew", 0).Synchronize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Incoming.Inserted)
	assert.Equal(t, "newnewnewnew", report.Config.SyncID)

	cfg, err := synchronizer.LoadConfiguration(f.prefs)
	require.NoError(t, err)
	assert.Equal(t, "newnewnewnew", cfg.SyncID)
}

// failingRepo fails Store for selected GUIDs.
type failingRepo struct {
	repository.Repository
	fail map[string]error
}

func (r *failingRepo) Store(ctx context.Context, rec *models.Record) (repository.StoreResult, error) {
	if err, ok := r.fail[rec.GUID]; ok {
		return repository.StoreResult{}, err
	}
	return r.Repository.Store(ctx, rec)
}

func TestSynchronizeReportsRecordFailures(t *testing.T) {
	f := newFixture("history")
	seed(t, f.remote,
		repositorytest.Record("history", "aaaaaaaaaaaa", at(-100), "a"),
		repositorytest.Record("history", "bbbbbbbbbbbb", at(-100), "b"),
	)
	local := &failingRepo{Repository: f.local, fail: map[string]error{
		"aaaaaaaaaaaa": &models.InvalidRecordError{GUID: "aaaaaaaaaaaa", Reason: "rejected"},
	}}

	report, err := f.synchronizer(t, f.remote, local, "", 0).Synchronize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Incoming.Failed)
	assert.Equal(t, 1, report.Incoming.Inserted)
	require.Contains(t, f.failures, "aaaaaaaaaaaa")
	var invalid *models.InvalidRecordError
	assert.ErrorAs(t, f.failures["aaaaaaaaaaaa"], &invalid)
}

func TestSynchronizeFatalErrorKeepsWindow(t *testing.T) {
	f := newFixture("history")
	require.NoError(t, synchronizer.Configuration{RemoteTimestamp: at(-500), LocalTimestamp: at(-500)}.Persist(f.prefs))
	seed(t, f.remote, repositorytest.Record("history", "aaaaaaaaaaaa", at(-100), "a"))

	diskFull := errors.New("disk full")
	local := &failingRepo{Repository: f.local, fail: map[string]error{"aaaaaaaaaaaa": diskFull}}

	_, err := f.synchronizer(t, f.remote, local, "", 0).Synchronize(context.Background())
	require.ErrorIs(t, err, diskFull)

	cfg, err := synchronizer.LoadConfiguration(f.prefs)
	require.NoError(t, err)
	assert.Equal(t, at(-500), cfg.RemoteTimestamp)
	assert.Equal(t, at(-500), cfg.LocalTimestamp)

	assert.False(t, f.remote.Active())
	assert.False(t, f.local.Active())
	assert.Empty(t, f.failures)
}

func TestSynchronizeReportsOrphans(t *testing.T) {
	f := newFixture("bookmarks")
	child := repositorytest.Record("bookmarks", "child0000001", at(-100), "child")
	child.ParentID = "folder000001"
	seed(t, f.remote, child)

	_, err := f.synchronizer(t, f.remote, f.local, "", 0).Synchronize(context.Background())
	require.NoError(t, err)

	require.Contains(t, f.failures, "child0000001")
	var orphan *models.OrphanedRecordError
	assert.ErrorAs(t, f.failures["child0000001"], &orphan)
	assert.False(t, f.local.Active())

	got := f.local.Snapshot()["child0000001"]
	require.NotNil(t, got)
	assert.Equal(t, models.DefaultParentGUID, got.ParentID)
	assert.Equal(t, "folder000001", got.PendingParentID)
}

func TestSynchronizeConcurrentStores(t *testing.T) {
	f := newFixture("history")
	var records []*models.Record
	for i := 0; i < 50; i++ {
		records = append(records, repositorytest.Record("history", fmt.Sprintf("record%06d", i), at(int64(-i)), "r"))
	}
	seed(t, f.remote, records...)

	report, err := f.synchronizer(t, f.remote, f.local, "", 4).Synchronize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 50, report.Incoming.Inserted)
	assert.Equal(t, 50, report.Outgoing.Skipped)
	assert.Equal(t, 50, f.local.Len())
}

func TestSynchronizeAsyncClassifiesErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		f := newFixture("history")
		r, err := f.synchronizer(t, f.remote, f.local, "", 0).SynchronizeAsync(ctx, async.InlineExecutor{}).Await(ctx)
		require.NoError(t, err)
		assert.Equal(t, async.Success, r.Kind)
		assert.Equal(t, "history", r.Value.Collection)
	})

	t.Run("server failure", func(t *testing.T) {
		f := newFixture("history")
		seed(t, f.remote, repositorytest.Record("history", "aaaaaaaaaaaa", at(-1), "a"))
		httpErr := &transport.HTTPError{Method: http.MethodPut, URL: "https://example.org/", Response: transport.NewResponse(http.StatusServiceUnavailable, nil)}
		local := &failingRepo{Repository: f.local, fail: map[string]error{"aaaaaaaaaaaa": httpErr}}

		r, err := f.synchronizer(t, f.remote, local, "", 0).SynchronizeAsync(ctx, async.InlineExecutor{}).Await(ctx)
		require.NoError(t, err)
		assert.Equal(t, async.Failure, r.Kind)
		assert.ErrorIs(t, r.Err, httpErr)
	})

	t.Run("error", func(t *testing.T) {
		f := newFixture("history")
		require.NoError(t, f.remote.Begin(ctx))

		r, err := f.synchronizer(t, f.remote, f.local, "", 0).SynchronizeAsync(ctx, async.InlineExecutor{}).Await(ctx)
		require.NoError(t, err)
		assert.Equal(t, async.Error, r.Kind)
	})
}

func TestNewValidates(t *testing.T) {
	f := newFixture("history")

	_, err := synchronizer.New(synchronizer.Options{Remote: f.remote, Prefs: f.prefs})
	assert.ErrorIs(t, err, models.ErrInvalidConfig)

	other := repository.NewMemoryRepository(repository.DefaultOptions("forms"))
	_, err = synchronizer.New(synchronizer.Options{Remote: f.remote, Local: other, Prefs: f.prefs})
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
}

func TestSynchronizeRemoteServerAndSQLite(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	fake := server.NewFakeServer(clock, "https://node1.example.org/1.5/alice/")

	client, err := server.NewClient("https://node1.example.org/1.5/alice/", fake, events.NewNopLogger())
	require.NoError(t, err)
	kb, err := crypto.GenerateKeyBundle()
	require.NoError(t, err)
	remote, err := server.NewRepository(server.Config{
		Client:                client,
		Collection:            "history",
		Cryptor:               crypto.NewProvider(),
		Keys:                  kb,
		MaterializeTombstones: true,
		PageSize:              2,
	}, events.NewNopLogger())
	require.NoError(t, err)

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "records.db"), events.NewNopLogger())
	require.NoError(t, err)
	defer db.Close()
	local := db.Repository(repository.DefaultOptions("history"))

	seed(t, remote, repositorytest.Record("history", "remote000001", at(-100), "r1"),
		repositorytest.Record("history", "remote000002", at(-90), "r2"))
	seed(t, local, repositorytest.Record("history", "local0000001", at(-80), "l1"))

	branch := prefs.NewBranch(prefs.NewMemoryStore(), "engine.history")
	s, err := synchronizer.New(synchronizer.Options{
		Remote: remote, Local: local, Prefs: branch, Clock: clock, Logger: events.NewNopLogger(),
	})
	require.NoError(t, err)

	report, err := s.Synchronize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Incoming.Inserted)
	assert.Equal(t, 1, report.Outgoing.Inserted)
	assert.Equal(t, 3, fake.Count("history"))

	puts := fake.CountRequests(http.MethodPut, "storage/history/")
	clock.Advance(time.Minute)

	report, err = s.Synchronize(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Incoming.Applied())
	assert.Zero(t, report.Outgoing.Applied())
	assert.Equal(t, puts, fake.CountRequests(http.MethodPut, "storage/history/"))
}

func TestSynchronizeOverwritesUnreadableRemoteRecord(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	fake := server.NewFakeServer(clock, "https://node1.example.org/1.5/alice/")
	fake.Put("history", &server.WireRecord{ID: "bad000000001", Payload: "not-an-envelope"})

	client, err := server.NewClient("https://node1.example.org/1.5/alice/", fake, events.NewNopLogger())
	require.NoError(t, err)
	kb, err := crypto.GenerateKeyBundle()
	require.NoError(t, err)
	cryptor := crypto.NewProvider()
	remote, err := server.NewRepository(server.Config{
		Client:                client,
		Collection:            "history",
		Cryptor:               cryptor,
		Keys:                  kb,
		MaterializeTombstones: true,
	}, events.NewNopLogger())
	require.NoError(t, err)

	f := newFixture("history")
	f.clock = clock
	seed(t, f.local,
		repositorytest.Record("history", "bad000000001", at(100), "fixed"),
		repositorytest.Record("history", "good00000001", at(50), "good"),
	)

	_, err = f.synchronizer(t, remote, f.local, "", 0).Synchronize(ctx)
	require.NoError(t, err)

	// The unreadable copy is reported while downloading.
	require.Contains(t, f.failures, "bad000000001")
	assert.Error(t, f.failures["bad000000001"])

	for guid, title := range map[string]string{"bad000000001": "fixed", "good00000001": "good"} {
		w, ok := fake.Record("history", guid)
		require.True(t, ok, guid)
		rec, err := server.Open(w, "history", cryptor, kb)
		require.NoError(t, err, guid)
		assert.JSONEq(t, fmt.Sprintf(`{"title":%q}`, title), string(rec.Payload))
	}

	cfg, err := synchronizer.LoadConfiguration(f.prefs)
	require.NoError(t, err)
	assert.NotZero(t, cfg.RemoteTimestamp)
	assert.NotZero(t, cfg.LocalTimestamp)
}
