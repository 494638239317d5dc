package repository

import (
	"fmt"
	"sync"

	"github.com/TheMichaelB/recsync/internal/models"
)

// Lifecycle tracks whether a repository session is active.
type Lifecycle struct {
	mu     sync.Mutex
	active bool
}

// Begin activates the session.
func (l *Lifecycle) Begin() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active {
		return fmt.Errorf("begin: session already active")
	}
	l.active = true
	return nil
}

// End deactivates the session. It fails if no session is active.
func (l *Lifecycle) End() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.active {
		return models.ErrInactiveSession
	}
	l.active = false
	return nil
}

// Close deactivates the session if one is active.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	l.active = false
	l.mu.Unlock()
}

// Check returns models.ErrInactiveSession outside a session.
func (l *Lifecycle) Check() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.active {
		return models.ErrInactiveSession
	}
	return nil
}

// Active reports whether a session is active.
func (l *Lifecycle) Active() bool {
	return l.Check() == nil
}
