package future

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrDisposed     = errors.New("future was disposed before it completed")
	ErrNotCompleted = errors.New("future has not completed")
)

// Handle is the type-erased view of a Future. The database engine keeps
// heterogeneous futures in one queue and needs to fail or dispose them
// without knowing their result type.
type Handle interface {
	Fail(err error) bool
	Dispose()
	Done() <-chan struct{}
	Completed() bool
	Disposed() bool
}

// Future is a single-assignment container for a result or an error.
// The first call to SetResult (or Complete/Fail) wins; later calls report false.
// Callbacks registered with RegisterOnComplete run exactly once, on the
// goroutine that settles the future.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	disposed  bool
	result    T
	err       error

	onComplete []func(*Future[T])
	onDispose  []func(*Future[T])

	ctx    context.Context
	cancel context.CancelFunc
}

func New[T any]() *Future[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Future[T]{
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Completed returns a future already resolved with v.
func Completed[T any](v T) *Future[T] {
	f := New[T]()
	f.Complete(v)
	return f
}

// Failed returns a future already resolved with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

func (f *Future[T]) Complete(v T) bool {
	return f.SetResult(v, nil)
}

func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.SetResult(zero, err)
}

// SetResult settles the future. It returns false if the future was already
// completed or disposed, in which case v and err are discarded.
func (f *Future[T]) SetResult(v T, err error) bool {
	f.mu.Lock()
	if f.completed || f.disposed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.result = v
	f.err = err
	callbacks := f.onComplete
	f.onComplete = nil
	f.onDispose = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range callbacks {
		fn(f)
	}
	return true
}

// Dispose abandons a future that has not completed yet. On-dispose callbacks
// run and the future's context is cancelled. Disposing a completed future
// does nothing.
func (f *Future[T]) Dispose() {
	f.mu.Lock()
	if f.completed || f.disposed {
		f.mu.Unlock()
		return
	}
	f.disposed = true
	callbacks := f.onDispose
	f.onDispose = nil
	f.onComplete = nil
	close(f.done)
	f.mu.Unlock()

	f.cancel()
	for _, fn := range callbacks {
		fn(f)
	}
}

// RegisterOnComplete adds a callback fired when the future completes. If it
// already has, fn runs immediately on the caller's goroutine.
func (f *Future[T]) RegisterOnComplete(fn func(*Future[T])) {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		fn(f)
		return
	}
	if !f.disposed {
		f.onComplete = append(f.onComplete, fn)
	}
	f.mu.Unlock()
}

// RegisterOnDispose adds a callback fired when the future is disposed before
// completing. If it already was, fn runs immediately.
func (f *Future[T]) RegisterOnDispose(fn func(*Future[T])) {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		fn(f)
		return
	}
	if !f.completed {
		f.onDispose = append(f.onDispose, fn)
	}
	f.mu.Unlock()
}

// Done is closed once the future completes or is disposed.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Context is cancelled when the future is disposed.
func (f *Future[T]) Context() context.Context {
	return f.ctx
}

func (f *Future[T]) Completed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

func (f *Future[T]) Disposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

func (f *Future[T]) Failed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed && f.err != nil
}

// Result returns the settled value without blocking.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var zero T
	switch {
	case f.disposed:
		return zero, ErrDisposed
	case !f.completed:
		return zero, ErrNotCompleted
	}
	return f.result, f.err
}

// Wait blocks until the future settles or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Run executes fn on a new goroutine and returns a future for its result.
// A panic inside fn fails the future instead of crashing the process.
func Run[T any](fn func() (T, error)) *Future[T] {
	f := New[T]()
	go func() {
		defer recoverInto(f)
		f.SetResult(fn())
	}()
	return f
}

// Go runs a multi-step task that settles f. The task's context is cancelled
// when f is disposed, so the task lives only as long as its future does.
func Go[T any](f *Future[T], task func(ctx context.Context) (T, error)) {
	go func() {
		defer recoverInto(f)
		v, err := task(f.Context())
		f.SetResult(v, err)
	}()
}

// Bind copies a successful result into target.
func Bind[T any](f *Future[T], target *T) *Future[T] {
	f.RegisterOnComplete(func(f *Future[T]) {
		if v, err := f.Result(); err == nil {
			*target = v
		}
	})
	return f
}

func recoverInto[T any](f *Future[T]) {
	if r := recover(); r != nil {
		f.Fail(fmt.Errorf("panic: %v", r))
	}
}
