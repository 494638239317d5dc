// Package session drives one synchronization attempt through the stage
// pipeline and reports its outcome to a Callback.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/TheMichaelB/recsync/internal/async"
	"github.com/TheMichaelB/recsync/internal/crypto"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/prefs"
	"github.com/TheMichaelB/recsync/internal/repository"
	"github.com/TheMichaelB/recsync/internal/repository/server"
	"github.com/TheMichaelB/recsync/internal/synchronizer"
	"github.com/TheMichaelB/recsync/internal/transport"
)

// Callback receives the outcome of an attempt. Methods may be called from
// executor goroutines.
type Callback interface {
	HandleStageCompleted(stage StageID, s *GlobalSession)
	HandleSuccess(s *GlobalSession)
	HandleError(s *GlobalSession, err error)

	// RequestBackoff asks the caller not to sync again for ms milliseconds.
	RequestBackoff(ms int64)
	ShouldBackOffStorage() bool

	InformUpgradeRequired(s *GlobalSession)
	InformEndOfLife(s *GlobalSession, alert *models.EOLAlert)
}

// LocalFactory opens the local repository for a collection.
type LocalFactory func(collection string) (repository.Repository, error)

// Options configures a GlobalSession.
type Options struct {
	Config    *SyncConfiguration
	Callback  Callback
	Transport transport.Transport

	// NodeAssignmentURL is the service base used to discover the cluster.
	NodeAssignmentURL string

	Cryptor crypto.Cryptor
	Local   LocalFactory

	Clock    clockwork.Clock
	Executor async.Executor
	Logger   *events.Logger

	// Collections enabled for this client. Empty means all built-in ones.
	Collections []string

	StorageVersion        int
	EOLInterval           time.Duration
	MaxConcurrentStores   int
	MaterializeTombstones bool
	PageSize              int

	// Pipeline replaces DefaultPipeline.
	Pipeline Pipeline
	// Stages overrides or adds stage implementations.
	Stages map[StageID]Stage
}

// GlobalSession owns one attempt at a time. It is idle between attempts
// and can be started again once it returns to idle.
type GlobalSession struct {
	mu      sync.Mutex
	current StageID
	active  bool

	config    *SyncConfiguration
	callback  Callback
	transport transport.Transport
	nodeURL   *url.URL
	cryptor   crypto.Cryptor
	local     LocalFactory
	clock     clockwork.Clock
	exec      async.Executor
	logger    *events.Logger

	collections    map[string]bool
	storageVersion int
	eolInterval    time.Duration
	maxStores      int
	tombstones     bool
	pageSize       int

	pipeline  Pipeline
	overrides map[StageID]Stage

	// Per-attempt state, only touched by the running stage.
	client      *server.Client
	metaDirty   bool
	reports     map[string]*synchronizer.Report
	recordFails int
}

const defaultEOLInterval = 7 * 24 * time.Hour

// NewGlobalSession validates opts. Bad configuration fails here, before
// any network traffic.
func NewGlobalSession(opts Options) (*GlobalSession, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("%w: missing sync configuration", models.ErrNoCredentials)
	}
	if opts.Callback == nil || opts.Transport == nil {
		return nil, fmt.Errorf("%w: session needs a callback and a transport", models.ErrInvalidConfig)
	}
	if opts.Cryptor == nil {
		opts.Cryptor = crypto.NewProvider()
	}

	var nodeURL *url.URL
	if opts.NodeAssignmentURL != "" {
		u, err := url.Parse(opts.NodeAssignmentURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("%w: bad node assignment url %q", models.ErrInvalidConfig, opts.NodeAssignmentURL)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		nodeURL = u
	}

	pipeline := opts.Pipeline
	if pipeline == nil {
		pipeline = DefaultPipeline
	}
	if err := pipeline.Validate(); err != nil {
		return nil, err
	}

	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Executor == nil {
		opts.Executor = async.InlineExecutor{}
	}
	if opts.Logger == nil {
		opts.Logger = events.NewNopLogger()
	}
	if opts.StorageVersion == 0 {
		opts.StorageVersion = models.StorageVersion
	}
	if opts.EOLInterval <= 0 {
		opts.EOLInterval = defaultEOLInterval
	}

	collections := make(map[string]bool)
	if len(opts.Collections) == 0 {
		for _, id := range DefaultPipeline {
			if name, ok := id.Collection(); ok {
				collections[name] = true
			}
		}
	}
	for _, name := range opts.Collections {
		collections[name] = true
	}

	s := &GlobalSession{
		current:        Idle,
		config:         opts.Config,
		callback:       opts.Callback,
		nodeURL:        nodeURL,
		cryptor:        opts.Cryptor,
		local:          opts.Local,
		clock:          opts.Clock,
		exec:           opts.Executor,
		logger:         opts.Logger.WithField("component", "session"),
		collections:    collections,
		storageVersion: opts.StorageVersion,
		eolInterval:    opts.EOLInterval,
		maxStores:      opts.MaxConcurrentStores,
		tombstones:     opts.MaterializeTombstones,
		pageSize:       opts.PageSize,
		pipeline:       pipeline,
		overrides:      opts.Stages,
	}
	s.transport = &alertTransport{inner: opts.Transport, session: s}
	return s, nil
}

// Config returns the session's configuration.
func (s *GlobalSession) Config() *SyncConfiguration {
	return s.config
}

// CurrentStage returns the stage being executed, or Idle.
func (s *GlobalSession) CurrentStage() StageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Active reports whether an attempt is running.
func (s *GlobalSession) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Reports returns the synchronizer reports of the last attempt, by collection.
func (s *GlobalSession) Reports() map[string]*synchronizer.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*synchronizer.Report, len(s.reports))
	for k, v := range s.reports {
		out[k] = v
	}
	return out
}

// Client returns the storage client once the cluster is known.
func (s *GlobalSession) Client() *server.Client {
	return s.client
}

// Transport returns the transport stages should use. It watches responses
// for alerts and backoff hints.
func (s *GlobalSession) Transport() transport.Transport {
	return s.transport
}

// Start begins an attempt on the executor. It fails with
// models.ErrAlreadySyncing unless the session is idle.
func (s *GlobalSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.active || s.current != Idle {
		s.mu.Unlock()
		return models.ErrAlreadySyncing
	}
	s.active = true
	s.client = nil
	s.metaDirty = false
	s.reports = make(map[string]*synchronizer.Report)
	s.recordFails = 0
	s.mu.Unlock()

	attempt := uuid.NewString()
	logger := s.logger.WithField("attempt_id", attempt)
	ctx = events.WithLogger(events.WithAttemptID(ctx, attempt), logger)
	logger.Info("Starting sync")

	s.exec.Submit(func() { s.Advance(ctx) })
	return nil
}

// Advance runs stages one after another until the attempt completes or
// aborts. Each stage that returns nil is reported completed.
func (s *GlobalSession) Advance(ctx context.Context) {
	for {
		s.mu.Lock()
		if !s.active {
			s.mu.Unlock()
			return
		}
		current := s.current
		s.mu.Unlock()

		if current != Idle {
			s.callback.HandleStageCompleted(current, s)
		}

		next, err := s.pipeline.Next(current)
		if err != nil {
			s.Abort(err, "no next stage")
			return
		}

		s.mu.Lock()
		if !s.active {
			s.mu.Unlock()
			return
		}
		s.current = next
		s.mu.Unlock()

		if err := s.execute(ctx, next); err != nil {
			s.handleStageError(next, err)
			return
		}
	}
}

// execute runs one stage. A panic is turned into an error.
func (s *GlobalSession) execute(ctx context.Context, id StageID) (err error) {
	stage, err := s.stageFor(id)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			events.FromContext(ctx).WithField("stack", string(debug.Stack())).Error("Stage panicked")
			err = fmt.Errorf("stage %s panicked: %v", id, r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	events.FromContext(ctx).WithField("stage", id.String()).Debug("Executing stage")
	return stage.Execute(ctx, s)
}

func (s *GlobalSession) handleStageError(id StageID, err error) {
	reason := "stage " + id.String() + " failed"

	herr, ok := transport.AsHTTPError(err)
	if !ok {
		s.Abort(err, reason)
		return
	}
	if herr.Kind() == transport.KindUnauthorized {
		if cerr := s.config.ClearClusterURL(); cerr != nil {
			s.logger.WithError(cerr).Warn("Failed to clear cluster URL")
		}
	}
	s.HandleHTTPError(herr.Response, err, reason)
}

// Abort ends the attempt and reports err to the callback. Only the first
// call of an attempt has any effect.
func (s *GlobalSession) Abort(err error, reason string) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	stage := s.current
	s.active = false
	s.current = Idle
	s.mu.Unlock()

	syncErr := &models.SyncError{Code: errorCode(err), Stage: stage.String(), Reason: reason, Err: err}
	s.logger.WithError(err).WithField("stage", stage.String()).Warn("Sync aborted")
	s.callback.HandleError(s, syncErr)
}

// CompleteSync returns the session to idle and reports success.
func (s *GlobalSession) CompleteSync() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.current = Idle
	s.mu.Unlock()

	s.logger.Info("Sync completed")
	s.callback.HandleSuccess(s)
}

// InterpretHTTPFailure forwards the larger of Retry-After and
// X-Weave-Backoff, in milliseconds, to the callback.
func (s *GlobalSession) InterpretHTTPFailure(resp *transport.Response) {
	if resp == nil {
		return
	}
	retryAfter, backoff := resp.BackoffHints()
	secs := max(retryAfter, backoff)
	if secs <= 0 {
		return
	}
	s.logger.WithField("seconds", secs).Info("Server requested backoff")
	s.callback.RequestBackoff(secs * 1000)
}

// HandleHTTPError interprets resp and aborts with err.
func (s *GlobalSession) HandleHTTPError(resp *transport.Response, err error, reason string) {
	s.InterpretHTTPFailure(resp)
	s.Abort(err, reason)
}

// StoreFailed logs a record that could not be stored.
func (s *GlobalSession) StoreFailed(collection, guid string, err error) {
	s.mu.Lock()
	s.recordFails++
	s.mu.Unlock()
	s.logger.WithError(err).WithFields(map[string]interface{}{
		"collection": collection,
		"guid":       guid,
	}).Warn("Record not synchronized")
}

func (s *GlobalSession) now() int64 {
	return s.clock.Now().UnixMilli()
}

// handleAlert processes X-Weave-Alert. Notifications are rate limited; a
// directive deactivates the identity and is returned as an error.
func (s *GlobalSession) handleAlert(header string) error {
	alert, err := models.ParseEOLAlert(header)
	if err != nil {
		s.logger.WithError(err).Warn("Ignoring unparseable alert")
		return nil
	}

	now := s.now()
	if now-s.config.LastEOLNotice() >= s.eolInterval.Milliseconds() {
		if err := s.config.SetLastEOLNotice(now); err != nil {
			s.logger.WithError(err).Warn("Failed to persist alert time")
		}
		s.callback.InformEndOfLife(s, alert)
	}

	if !alert.IsDirective() {
		return nil
	}
	if err := s.config.SetDeactivated(true); err != nil {
		s.logger.WithError(err).Error("Failed to persist deactivation")
	}
	return fmt.Errorf("%w: %s", models.ErrEndOfLife, alert.Message)
}

// alertTransport inspects every response the session receives.
type alertTransport struct {
	inner   transport.Transport
	session *GlobalSession
}

func (t *alertTransport) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	resp, err := t.inner.Do(ctx, req)
	if resp == nil {
		return resp, err
	}

	if alert := resp.Alert(); alert != "" {
		if aerr := t.session.handleAlert(alert); aerr != nil && err == nil {
			return resp, aerr
		}
	}
	// Failures are interpreted when the stage aborts.
	if err == nil {
		t.session.InterpretHTTPFailure(resp)
	}
	return resp, err
}

func errorCode(err error) string {
	var metaErr *models.MetaGlobalError
	switch {
	case errors.Is(err, models.ErrBackoff):
		return models.ErrCodeBackoff
	case errors.Is(err, models.ErrNoCredentials), errors.Is(err, models.ErrInvalidConfig):
		return models.ErrCodeConfig
	case errors.As(err, &metaErr), errors.Is(err, models.ErrUpgradeRequired), errors.Is(err, models.ErrEndOfLife):
		return models.ErrCodeProtocol
	case transport.IsKind(err, transport.KindUnauthorized):
		return models.ErrCodeAuth
	case transport.IsKind(err, transport.KindBackoff):
		return models.ErrCodeBackoff
	}
	if _, ok := transport.AsHTTPError(err); ok {
		return models.ErrCodeServerError
	}

	var (
		storeErr   *models.StoreError
		orphanErr  *models.OrphanedRecordError
		versionErr *prefs.UnknownVersionError
	)
	switch {
	case errors.As(err, &storeErr), errors.As(err, &orphanErr):
		return models.ErrCodeRecord
	case errors.Is(err, models.ErrInactiveSession), errors.Is(err, models.ErrNoClusterURL),
		errors.Is(err, models.ErrNoCollectionKeys), errors.Is(err, models.ErrDeactivated):
		return models.ErrCodeState
	case errors.As(err, &versionErr), errors.Is(err, prefs.ErrCorrupt), errors.Is(err, prefs.ErrClosed):
		return models.ErrCodeStorage
	}
	return models.ErrCodeNetwork
}
