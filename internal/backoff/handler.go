// Package backoff holds the persisted rate-limit gate that decides whether a
// sync attempt may start.
package backoff

import (
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/TheMichaelB/recsync/internal/events"
	"github.com/TheMichaelB/recsync/internal/prefs"
)

const earliestNextRequestKey = "earliestNextRequest"

// Handler stores the earliest time, in milliseconds since the epoch, at which
// the next request may be made.
type Handler struct {
	mu     sync.Mutex
	prefs  *prefs.Branch
	clock  clockwork.Clock
	logger *events.Logger
}

// NewHandler creates a handler persisting under the given prefs branch.
func NewHandler(branch *prefs.Branch, clock clockwork.Clock, logger *events.Logger) *Handler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handler{
		prefs:  branch,
		clock:  clock,
		logger: logger.WithField("component", "backoff"),
	}
}

// GetEarliestNextRequest returns the stored gate, or 0 when unset or unreadable.
func (h *Handler) GetEarliestNextRequest() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.load()
}

// SetEarliestNextRequest overwrites the gate.
func (h *Handler) SetEarliestNextRequest(t int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.store(t)
}

// ExtendEarliestNextRequest moves the gate to t only if t is later than the
// stored value.
func (h *Handler) ExtendEarliestNextRequest(t int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t <= h.load() {
		return nil
	}
	return h.store(t)
}

// RequestBackoff extends the gate to now + ms.
func (h *Handler) RequestBackoff(ms int64) error {
	if ms <= 0 {
		return nil
	}
	h.logger.WithField("backoff_ms", ms).Info("Server requested backoff")
	return h.ExtendEarliestNextRequest(h.now() + ms)
}

// DelayMilliseconds returns how long until the gate opens, never negative.
func (h *Handler) DelayMilliseconds() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	delay := h.load() - h.now()
	if delay < 0 {
		return 0
	}
	return delay
}

// ShouldSync reports whether an attempt may start now. A forced attempt
// always may, and the override is logged.
func (h *Handler) ShouldSync(force bool) bool {
	delay := h.DelayMilliseconds()
	if delay == 0 {
		return true
	}
	if force {
		h.logger.WithField("delay_ms", delay).Warn("Forcing sync despite backoff")
		return true
	}
	h.logger.WithField("delay_ms", delay).Debug("Sync suppressed by backoff")
	return false
}

func (h *Handler) now() int64 {
	return h.clock.Now().UnixMilli()
}

func (h *Handler) load() int64 {
	v, err := prefs.GetInt64(h.prefs, earliestNextRequestKey, 0)
	if err != nil {
		h.logger.WithError(err).Warn("Ignoring unreadable backoff state")
		return 0
	}
	return v
}

func (h *Handler) store(t int64) error {
	if err := prefs.PutInt64(h.prefs, earliestNextRequestKey, t); err != nil {
		return fmt.Errorf("persist backoff: %w", err)
	}
	return nil
}
