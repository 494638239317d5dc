package async

import "sync"

// CompletionTracker counts outstanding operations and runs a callback once
// the count returns to zero.
type CompletionTracker struct {
	mu      sync.Mutex
	pending int
	waiters []func()
}

// Add registers n more outstanding operations.
func (t *CompletionTracker) Add(n int) {
	t.mu.Lock()
	t.pending += n
	t.mu.Unlock()
}

// Done marks one operation finished.
func (t *CompletionTracker) Done() {
	t.mu.Lock()
	if t.pending == 0 {
		t.mu.Unlock()
		panic("async: CompletionTracker.Done called more times than Add")
	}
	t.pending--
	var fire []func()
	if t.pending == 0 {
		fire = t.waiters
		t.waiters = nil
	}
	t.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
}

// Pending returns the number of outstanding operations.
func (t *CompletionTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// OnZero runs fn when no operations are outstanding. If nothing is pending
// fn runs immediately.
func (t *CompletionTracker) OnZero(fn func()) {
	t.mu.Lock()
	if t.pending == 0 {
		t.mu.Unlock()
		fn()
		return
	}
	t.waiters = append(t.waiters, fn)
	t.mu.Unlock()
}

// Wait returns a channel closed once the count reaches zero.
func (t *CompletionTracker) Wait() <-chan struct{} {
	ch := make(chan struct{})
	t.OnZero(func() { close(ch) })
	return ch
}
