// Package async provides the small set of completion primitives the sync
// engine builds on: a three-way Result, a complete-once Future, executors
// that run continuations, and a counter that fires when outstanding work
// drains.
package async

import "fmt"

// Kind distinguishes how an operation ended.
type Kind int

const (
	// Success carries a value.
	Success Kind = iota
	// Failure is an expected, handled outcome such as a rejected record.
	Failure
	// Error is an unexpected problem that should abort the caller.
	Error
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the outcome of an asynchronous operation.
type Result[T any] struct {
	Kind  Kind
	Value T
	Err   error
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{Kind: Success, Value: v}
}

// Fail wraps an expected failure.
func Fail[T any](err error) Result[T] {
	return Result[T]{Kind: Failure, Err: err}
}

// Errored wraps an unexpected error.
func Errored[T any](err error) Result[T] {
	return Result[T]{Kind: Error, Err: err}
}

// IsSuccess reports whether the result carries a value.
func (r Result[T]) IsSuccess() bool {
	return r.Kind == Success
}

// Unwrap returns the value and a nil error on success, or the zero value and
// the failure otherwise.
func (r Result[T]) Unwrap() (T, error) {
	if r.Kind == Success {
		return r.Value, nil
	}
	var zero T
	if r.Err == nil {
		return zero, fmt.Errorf("async: %s without error", r.Kind)
	}
	return zero, r.Err
}
