// Package sync wires configuration, persistence and transport into a
// GlobalSession and exposes one-shot sync operations.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/TheMichaelB/recsync/internal/async"
	"github.com/TheMichaelB/recsync/internal/backoff"
	"github.com/TheMichaelB/recsync/internal/config"
	"github.com/TheMichaelB/recsync/internal/creds"
	"github.com/TheMichaelB/recsync/internal/crypto"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/prefs"
	"github.com/TheMichaelB/recsync/internal/repository"
	"github.com/TheMichaelB/recsync/internal/repository/sqlite"
	"github.com/TheMichaelB/recsync/internal/session"
	"github.com/TheMichaelB/recsync/internal/synchronizer"
	"github.com/TheMichaelB/recsync/internal/transport"
)

// Prefs branches.
const (
	backoffBranch = "backoff"
	sessionBranch = "sync"
)

// Service provides high-level sync operations.
type Service struct {
	cfg     *config.Config
	store   prefs.Store
	records *sqlite.DB
	backoff *backoff.Handler
	config  *session.SyncConfiguration
	engine  *Engine
	exec    *async.PoolExecutor
	clock   clockwork.Clock
	logger  *events.Logger
}

// Deps are the collaborators of a Service. NewService builds them from
// configuration; tests supply their own.
type Deps struct {
	Config      *config.Config
	Credentials *creds.Credentials
	Prefs       prefs.Store
	Records     *sqlite.DB
	Transport   transport.Transport
	Cryptor     crypto.Cryptor
	Clock       clockwork.Clock
	Logger      *events.Logger
}

// NewService loads credentials and opens local storage as configured.
func NewService(ctx context.Context, cfg *config.Config, logger *events.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	account, err := creds.Load(ctx, cfg.Account.CredentialsFile, cfg.Account.SecretID)
	if err != nil {
		return nil, err
	}
	if cfg.Account.Username != "" && creds.NormalizeUsername(cfg.Account.Username) != account.Username {
		return nil, fmt.Errorf("%w: credentials are for %q, not %q", models.ErrInvalidConfig, account.Username, cfg.Account.Username)
	}

	auth, err := account.BasicAuth()
	if err != nil {
		return nil, err
	}
	client, err := transport.NewHTTPClient(&cfg.API, auth, logger)
	if err != nil {
		return nil, err
	}

	store, err := prefs.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open prefs: %w", err)
	}
	records, err := sqlite.Open(cfg.Storage.RecordsPath(), logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open records: %w", err)
	}

	s, err := NewServiceWithDeps(Deps{
		Config:      cfg,
		Credentials: account,
		Prefs:       store,
		Records:     records,
		Transport:   client,
		Logger:      logger,
	})
	if err != nil {
		records.Close()
		store.Close()
		return nil, err
	}
	return s, nil
}

// NewServiceWithDeps assembles a service from ready collaborators. The
// service owns Prefs and Records afterwards.
func NewServiceWithDeps(d Deps) (*Service, error) {
	if d.Config == nil || d.Credentials == nil || d.Prefs == nil || d.Records == nil || d.Transport == nil {
		return nil, fmt.Errorf("%w: incomplete service dependencies", models.ErrInvalidConfig)
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = events.NewNopLogger()
	}

	syncKey, err := d.Credentials.KeyBundle()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrNoCredentials, err)
	}
	syncConfig, err := session.LoadSyncConfiguration(prefs.NewBranch(d.Prefs, sessionBranch), d.Credentials.Username, syncKey)
	if err != nil {
		return nil, err
	}

	handler := backoff.NewHandler(prefs.NewBranch(d.Prefs, backoffBranch), d.Clock, d.Logger)

	// Collection stages await synchronizer futures on this executor, so it
	// must not be bounded.
	exec := async.NewPoolExecutor(0)

	sc := d.Config.Sync
	records := d.Records
	engine, err := NewEngine(session.Options{
		Config:            syncConfig,
		Transport:         d.Transport,
		NodeAssignmentURL: d.Config.API.BaseURL,
		Cryptor:           d.Cryptor,
		Local: func(collection string) (repository.Repository, error) {
			opts := repository.DefaultOptions(collection)
			opts.MaterializeTombstones = sc.MaterializeTombstones
			return records.Repository(opts), nil
		},
		Clock:                 d.Clock,
		Executor:              exec,
		Logger:                d.Logger,
		Collections:           sc.Collections,
		StorageVersion:        sc.StorageVersion,
		EOLInterval:           sc.EOLInterval,
		MaxConcurrentStores:   sc.MaxConcurrent,
		MaterializeTombstones: sc.MaterializeTombstones,
	}, handler)
	if err != nil {
		exec.Close()
		return nil, err
	}

	return &Service{
		cfg:     d.Config,
		store:   d.Prefs,
		records: d.Records,
		backoff: handler,
		config:  syncConfig,
		engine:  engine,
		exec:    exec,
		clock:   d.Clock,
		logger:  d.Logger.WithField("service", "sync"),
	}, nil
}

// SyncOnce runs a single attempt. Without force it is skipped while the
// server's backoff is in effect.
func (s *Service) SyncOnce(ctx context.Context, force bool) (*Result, error) {
	s.logger.WithField("force", force).Debug("Sync requested")
	return s.engine.SyncOnce(ctx, force)
}

// GetProgress returns sync progress.
func (s *Service) GetProgress() *Progress {
	return s.engine.GetProgress()
}

// Events returns the event channel.
func (s *Service) Events() <-chan Event {
	return s.engine.Events()
}

// CollectionStatus is the persisted sync position of one collection.
type CollectionStatus struct {
	Name            string
	LastCheck       int64
	RemoteTimestamp int64
	LocalTimestamp  int64
	LocalRecords    int
}

// Status is a snapshot of persisted sync state.
type Status struct {
	Username     string
	ClusterURL   string
	SyncID       string
	Deactivated  bool
	BackoffUntil time.Time
	BackoffDelay time.Duration
	Collections  []CollectionStatus
}

// Status reads the persisted state without touching the network.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		Username:     s.config.Username(),
		ClusterURL:   s.config.ClusterURL(),
		SyncID:       s.config.SyncID(),
		Deactivated:  s.config.Deactivated(),
		BackoffDelay: time.Duration(s.backoff.DelayMilliseconds()) * time.Millisecond,
	}
	if until := s.backoff.GetEarliestNextRequest(); until > 0 {
		st.BackoffUntil = time.UnixMilli(until)
	}

	for _, name := range s.cfg.Sync.Collections {
		cs := CollectionStatus{Name: name, LastCheck: s.config.LastCheck(name)}

		pos, err := synchronizer.LoadConfiguration(s.config.EngineBranch(name))
		if err != nil {
			return nil, fmt.Errorf("load %s position: %w", name, err)
		}
		cs.RemoteTimestamp = pos.RemoteTimestamp
		cs.LocalTimestamp = pos.LocalTimestamp

		n, err := s.countLocal(ctx, name)
		if err != nil {
			return nil, err
		}
		cs.LocalRecords = n

		st.Collections = append(st.Collections, cs)
	}
	return st, nil
}

func (s *Service) countLocal(ctx context.Context, collection string) (int, error) {
	repo := s.records.Repository(repository.DefaultOptions(collection))
	if err := repo.Begin(ctx); err != nil {
		return 0, err
	}
	defer repo.Close(ctx)

	guids, err := repo.GuidsSince(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("count %s records: %w", collection, err)
	}
	return len(guids), nil
}

// ResetBackoff opens the backoff gate.
func (s *Service) ResetBackoff() error {
	s.logger.Info("Clearing backoff")
	return s.backoff.SetEarliestNextRequest(0)
}

// ResetSync forgets the cluster, the sync identity and every collection
// position, so the next attempt starts from scratch. Local records stay.
func (s *Service) ResetSync() error {
	if s.engine.Session().Active() {
		return models.ErrAlreadySyncing
	}
	s.logger.Info("Resetting sync state")

	return errors.Join(
		s.config.ClearClusterURL(),
		s.config.AdoptSyncID(""),
		s.config.SetDeactivated(false),
		s.config.SetLastEOLNotice(0),
	)
}

// Close waits for background work and releases storage.
func (s *Service) Close() error {
	s.exec.Close()
	s.engine.Close()
	return errors.Join(s.records.Close(), s.store.Close())
}
