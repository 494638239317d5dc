package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/TheMichaelB/recsync/internal/backoff"
	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/models"
	"github.com/TheMichaelB/recsync/internal/session"
	"github.com/TheMichaelB/recsync/internal/synchronizer"
)

// Engine runs attempts on a GlobalSession and turns its callbacks into
// events. It is the session's Callback.
type Engine struct {
	session *session.GlobalSession
	backoff *backoff.Handler
	clock   clockwork.Clock
	logger  *events.Logger

	// Progress tracking
	progress atomic.Pointer[Progress]
	events   chan Event

	// Attempt state
	mu           sync.Mutex
	done         chan error
	forced       bool
	eventsClosed bool
}

// Progress describes the running or last attempt.
type Progress struct {
	Stage     session.StageID
	Completed []session.StageID
	StartTime time.Time
	EndTime   time.Time
	Err       error
}

// Event represents a sync event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Stage     session.StageID
	Error     error
	BackoffMS int64
	Alert     *models.EOLAlert
	Progress  *Progress
}

// EventType defines sync event types.
type EventType string

const (
	EventStarted         EventType = "started"
	EventSkipped         EventType = "skipped"
	EventStageCompleted  EventType = "stage_completed"
	EventBackoff         EventType = "backoff"
	EventUpgradeRequired EventType = "upgrade_required"
	EventEndOfLife       EventType = "end_of_life"
	EventCompleted       EventType = "completed"
	EventFailed          EventType = "failed"
)

// Result summarizes one SyncOnce call.
type Result struct {
	// Skipped is set when the backoff gate refused the attempt.
	Skipped bool
	DelayMS int64

	Duration time.Duration
	Reports  map[string]*synchronizer.Report
}

// NewEngine creates an engine and the session it drives. opts.Callback is
// replaced by the engine.
func NewEngine(opts session.Options, handler *backoff.Handler) (*Engine, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: engine needs a backoff handler", models.ErrInvalidConfig)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = events.NewNopLogger()
	}

	e := &Engine{
		backoff: handler,
		clock:   opts.Clock,
		logger:  opts.Logger.WithField("component", "sync_engine"),
		events:  make(chan Event, 100),
	}
	opts.Callback = e

	s, err := session.NewGlobalSession(opts)
	if err != nil {
		return nil, err
	}
	e.session = s
	return e, nil
}

// Events returns the event channel. It is closed by Close.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// GetProgress returns the current or last attempt's progress.
func (e *Engine) GetProgress() *Progress {
	return e.progress.Load()
}

// Session returns the driven session.
func (e *Engine) Session() *session.GlobalSession {
	return e.session
}

// SyncOnce runs one attempt and waits for it. Without force the attempt is
// skipped while the backoff gate is closed.
func (e *Engine) SyncOnce(ctx context.Context, force bool) (*Result, error) {
	if !e.backoff.ShouldSync(force) {
		delay := e.backoff.DelayMilliseconds()
		e.emitEvent(Event{Type: EventSkipped, Timestamp: e.clock.Now(), BackoffMS: delay})
		return &Result{Skipped: true, DelayMS: delay}, nil
	}

	e.mu.Lock()
	if e.done != nil {
		e.mu.Unlock()
		return nil, models.ErrAlreadySyncing
	}
	done := make(chan error, 1)
	e.done = done
	e.forced = force
	e.mu.Unlock()

	start := e.clock.Now()
	progress := &Progress{Stage: session.Idle, StartTime: start}
	e.progress.Store(progress)
	e.emitEvent(Event{Type: EventStarted, Timestamp: start, Progress: progress})

	if err := e.session.Start(ctx); err != nil {
		e.mu.Lock()
		e.done = nil
		e.mu.Unlock()
		return nil, err
	}

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	result := &Result{
		Duration: e.clock.Since(start),
		Reports:  e.session.Reports(),
	}
	return result, err
}

// Close closes the event channel. Call it after the last attempt.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.eventsClosed {
		close(e.events)
		e.eventsClosed = true
	}
}

func (e *Engine) HandleStageCompleted(stage session.StageID, s *session.GlobalSession) {
	p := e.updateProgress(func(p *Progress) {
		p.Stage = stage
		p.Completed = append(p.Completed, stage)
	})
	e.emitEvent(Event{Type: EventStageCompleted, Timestamp: e.clock.Now(), Stage: stage, Progress: p})
}

func (e *Engine) HandleSuccess(s *session.GlobalSession) {
	p := e.updateProgress(func(p *Progress) {
		p.Stage = session.Idle
		p.EndTime = e.clock.Now()
	})
	e.logger.WithField("duration", p.EndTime.Sub(p.StartTime).String()).Info("Sync succeeded")
	e.emitEvent(Event{Type: EventCompleted, Timestamp: p.EndTime, Progress: p})
	e.finish(nil)
}

func (e *Engine) HandleError(s *session.GlobalSession, err error) {
	p := e.updateProgress(func(p *Progress) {
		p.Stage = session.Idle
		p.EndTime = e.clock.Now()
		p.Err = err
	})
	e.logger.WithError(err).Warn("Sync failed")
	e.emitEvent(Event{Type: EventFailed, Timestamp: p.EndTime, Error: err, Progress: p})
	e.finish(err)
}

func (e *Engine) RequestBackoff(ms int64) {
	if err := e.backoff.RequestBackoff(ms); err != nil {
		e.logger.WithError(err).Error("Failed to persist backoff")
	}
	e.emitEvent(Event{Type: EventBackoff, Timestamp: e.clock.Now(), BackoffMS: ms})
}

// ShouldBackOffStorage reports whether the gate is closed. A forced attempt
// ignores it.
func (e *Engine) ShouldBackOffStorage() bool {
	e.mu.Lock()
	forced := e.forced
	e.mu.Unlock()
	if forced {
		return false
	}
	return e.backoff.DelayMilliseconds() > 0
}

func (e *Engine) InformUpgradeRequired(s *session.GlobalSession) {
	e.logger.Error("Server storage format is newer than this client; upgrade required")
	e.emitEvent(Event{Type: EventUpgradeRequired, Timestamp: e.clock.Now()})
}

func (e *Engine) InformEndOfLife(s *session.GlobalSession, alert *models.EOLAlert) {
	e.logger.WithFields(map[string]interface{}{
		"code": alert.Code,
		"url":  alert.URL,
	}).Warn(alert.Message)
	e.emitEvent(Event{Type: EventEndOfLife, Timestamp: e.clock.Now(), Alert: alert})
}

func (e *Engine) finish(err error) {
	e.mu.Lock()
	done := e.done
	e.done = nil
	e.forced = false
	e.mu.Unlock()

	if done != nil {
		done <- err
	}
}

// updateProgress applies fn to a copy so readers never see a partial update.
func (e *Engine) updateProgress(fn func(*Progress)) *Progress {
	var next Progress
	if p := e.progress.Load(); p != nil {
		next = *p
		next.Completed = append([]session.StageID(nil), p.Completed...)
	}
	fn(&next)
	e.progress.Store(&next)
	return &next
}

func (e *Engine) emitEvent(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.eventsClosed {
		return
	}

	select {
	case e.events <- event:
	default:
		// Channel full, drop event
		e.logger.Debug("Event channel full, dropping event")
	}
}
