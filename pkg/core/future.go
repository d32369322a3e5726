package core

import (
	"context"
	"sync"
)

// FutureResult carries either a value or an error, never both.
type FutureResult[T any] struct {
	Value T
	Error error
}

// Future represents an asynchronous computation that completes exactly once.
// Completion is idempotent: the first Complete/Fail wins, later calls are no-ops.
// Completion is broadcast: any number of goroutines may Await the same future.
type Future[T any] struct {
	done            chan struct{}
	once            sync.Once
	mu              sync.RWMutex
	completed       bool
	result          FutureResult[T]
	successHandlers []func(T)
	failureHandlers []func(error)
}

// NewFuture creates a new incomplete future
func NewFuture[T any]() *Future[T] {
	return &Future[T]{
		done: make(chan struct{}),
	}
}

// Complete completes the future with a result
func (f *Future[T]) Complete(value T) {
	f.once.Do(func() {
		f.mu.Lock()
		f.completed = true
		f.result = FutureResult[T]{Value: value}
		handlers := f.successHandlers
		f.mu.Unlock()

		close(f.done)

		for _, handler := range handlers {
			handler(value)
		}
	})
}

// Fail fails the future with an error
func (f *Future[T]) Fail(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.completed = true
		f.result = FutureResult[T]{Error: err}
		handlers := f.failureHandlers
		f.mu.Unlock()

		close(f.done)

		for _, handler := range handlers {
			handler(err)
		}
	})
}

// Result returns a channel that delivers the result once the future
// settles. Each call gets its own channel, so multiple consumers each
// see the result.
func (f *Future[T]) Result() <-chan FutureResult[T] {
	ch := make(chan FutureResult[T], 1)
	go func() {
		<-f.done
		f.mu.RLock()
		result := f.result
		f.mu.RUnlock()
		ch <- result
	}()
	return ch
}

// Await waits for the future to complete and returns the result
// Provides async/await-style syntax: result, err := future.Await(ctx)
// Blocks until the future completes or the context is cancelled.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	var zero T

	// An already-settled future returns its result even when the
	// caller's context is also done.
	select {
	case <-f.done:
		f.mu.RLock()
		result := f.result
		f.mu.RUnlock()
		if result.Error != nil {
			return zero, result.Error
		}
		return result.Value, nil
	default:
	}

	select {
	case <-f.done:
		f.mu.RLock()
		result := f.result
		f.mu.RUnlock()
		if result.Error != nil {
			return zero, result.Error
		}
		return result.Value, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// OnSuccess registers a success handler. If the future already completed
// successfully the handler runs inline.
func (f *Future[T]) OnSuccess(handler func(T)) *Future[T] {
	f.mu.Lock()
	if f.completed {
		result := f.result
		f.mu.Unlock()
		if result.Error == nil {
			handler(result.Value)
		}
		return f
	}
	f.successHandlers = append(f.successHandlers, handler)
	f.mu.Unlock()
	return f
}

// OnFailure registers a failure handler. If the future already failed
// the handler runs inline.
func (f *Future[T]) OnFailure(handler func(error)) *Future[T] {
	f.mu.Lock()
	if f.completed {
		result := f.result
		f.mu.Unlock()
		if result.Error != nil {
			handler(result.Error)
		}
		return f
	}
	f.failureHandlers = append(f.failureHandlers, handler)
	f.mu.Unlock()
	return f
}

// IsComplete reports whether the future has settled
func (f *Future[T]) IsComplete() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.completed
}

// Then chains a success handler, returning a new Future with the
// transformed type (Promise.then() style)
func Then[T any, R any](f *Future[T], fn func(T) (R, error)) *Future[R] {
	mapped := NewFuture[R]()

	f.OnSuccess(func(value T) {
		newValue, err := fn(value)
		if err != nil {
			mapped.Fail(err)
		} else {
			mapped.Complete(newValue)
		}
	})
	f.OnFailure(func(err error) {
		mapped.Fail(err)
	})

	return mapped
}

// All waits for every future to complete (Promise.all() style).
// The first failure fails the combined future.
func All[T any](ctx context.Context, futures ...*Future[T]) *Future[[]T] {
	combined := NewFuture[[]T]()

	go func() {
		results := make([]T, 0, len(futures))
		for _, f := range futures {
			value, err := f.Await(ctx)
			if err != nil {
				combined.Fail(err)
				return
			}
			results = append(results, value)
		}
		combined.Complete(results)
	}()

	return combined
}
