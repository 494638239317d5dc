package async

import (
	"context"
	"fmt"
	"sync"
)

// Future is a result that becomes available once. Completing it a second
// time is ignored.
type Future[T any] struct {
	once   sync.Once
	done   chan struct{}
	result Result[T]
}

// NewFuture creates an incomplete future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already completed with r.
func Resolved[T any](r Result[T]) *Future[T] {
	f := NewFuture[T]()
	f.Complete(r)
	return f
}

// Complete sets the result. It reports whether this call won.
func (f *Future[T]) Complete(r Result[T]) bool {
	won := false
	f.once.Do(func() {
		f.result = r
		close(f.done)
		won = true
	})
	return won
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the result and whether it is available yet.
func (f *Future[T]) Result() (Result[T], bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return Result[T]{}, false
	}
}

// Await blocks until the future completes or ctx is cancelled.
func (f *Future[T]) Await(ctx context.Context) (Result[T], error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result[T]{}, ctx.Err()
	}
}

// Go runs fn on exec and completes the returned future with its outcome. A
// panic in fn becomes an Error result.
func Go[T any](exec Executor, fn func() Result[T]) *Future[T] {
	f := NewFuture[T]()
	exec.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				f.Complete(Errored[T](fmt.Errorf("panic: %v", r)))
			}
		}()
		f.Complete(fn())
	})
	return f
}

// ContinueOn runs fn on exec after fut completes. The continuation is
// scheduled from the goroutine that completes fut, or immediately when fut
// is already done.
func ContinueOn[T, U any](exec Executor, fut *Future[T], fn func(Result[T]) Result[U]) *Future[U] {
	next := NewFuture[U]()
	schedule := func() {
		r, _ := fut.Result()
		Go(exec, func() Result[U] { return fn(r) }).forward(next)
	}

	select {
	case <-fut.Done():
		schedule()
	default:
		go func() {
			<-fut.Done()
			schedule()
		}()
	}
	return next
}

// forward completes dst with f's result once it is available.
func (f *Future[T]) forward(dst *Future[T]) {
	if r, ok := f.Result(); ok {
		dst.Complete(r)
		return
	}
	go func() {
		<-f.done
		dst.Complete(f.result)
	}()
}
