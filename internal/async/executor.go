package async

import (
	"sync"

	"github.com/sourcegraph/conc/pool"
)

// Executor runs submitted work.
type Executor interface {
	Submit(fn func())
}

// InlineExecutor runs work on the calling goroutine. Tests use it to make
// the whole pipeline deterministic.
type InlineExecutor struct{}

func (InlineExecutor) Submit(fn func()) {
	fn()
}

// PoolExecutor runs work on a bounded goroutine pool.
type PoolExecutor struct {
	mu     sync.Mutex
	pool   *pool.Pool
	closed bool
}

// NewPoolExecutor creates a pool running at most maxGoroutines tasks at once.
// Zero or less means unbounded.
func NewPoolExecutor(maxGoroutines int) *PoolExecutor {
	p := pool.New()
	if maxGoroutines > 0 {
		p = p.WithMaxGoroutines(maxGoroutines)
	}
	return &PoolExecutor{pool: p}
}

// Submit schedules fn. After Close, fn runs on its own goroutine so late
// continuations are never dropped.
func (e *PoolExecutor) Submit(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		go fn()
		return
	}
	e.pool.Go(fn)
}

// Close waits for submitted work to finish.
func (e *PoolExecutor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.pool.Wait()
}
