package asyncdb

import (
	"context"
	"errors"
	"iter"
	"sync"

	"asyncdb/internal/driver"
	"asyncdb/internal/future"
)

// Stream is a lazy, forward-only sequence of mapped rows. A producer
// goroutine waits for the cursor, then fetches one row ahead of the consumer
// so driver I/O overlaps with the consumer's work. A Stream cannot be
// restarted; run the query again for a fresh one.
//
// Close must be called if the stream is abandoned before it is exhausted,
// otherwise the connection stays reserved for the open cursor.
type Stream[T any] struct {
	reader *future.Future[*Reader]
	items  chan T
	stop   chan struct{}
	done   chan struct{}
	ready  chan struct{}
	cols   []string
	opened bool

	mu      sync.Mutex
	err     error
	current T

	closeOnce sync.Once
}

func newStream[T any](reader *future.Future[*Reader], mapper func(driver.RowStreamer) (T, error)) *Stream[T] {
	s := &Stream[T]{
		reader: reader,
		items:  make(chan T, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
	}
	go s.produce(mapper)
	return s
}

func (s *Stream[T]) produce(mapper func(driver.RowStreamer) (T, error)) {
	defer close(s.done)
	defer close(s.items)

	readyOnce := sync.OnceFunc(func() { close(s.ready) })
	defer readyOnce()

	<-s.reader.Done()
	r, err := s.reader.Result()
	if err != nil {
		if !errors.Is(err, future.ErrDisposed) {
			s.setErr(err)
		}
		return
	}
	defer func() {
		if err := r.Close(); err != nil {
			s.setErr(err)
		}
	}()

	cols, err := r.Columns()
	if err != nil {
		s.setErr(err)
		return
	}
	s.cols, s.opened = cols, true
	readyOnce()

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if !r.Next() {
			if err := r.Err(); err != nil {
				s.setErr(err)
			}
			return
		}
		v, err := mapper(r)
		if err != nil {
			s.setErr(err)
			return
		}

		select {
		case s.items <- v:
		case <-s.stop:
			return
		}
	}
}

func (s *Stream[T]) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Next waits for the next row. It returns false when the sequence is
// exhausted, on error, or when ctx is done; check Err afterwards.
func (s *Stream[T]) Next(ctx context.Context) bool {
	select {
	case v, ok := <-s.items:
		if !ok {
			return false
		}
		s.current = v
		return true
	case <-ctx.Done():
		s.setErr(ctx.Err())
		return false
	}
}

// Columns waits for the cursor to open and returns its column names. It
// returns nil with the stream's error if the cursor never opened.
func (s *Stream[T]) Columns(ctx context.Context) ([]string, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if !s.opened {
		if err := s.Err(); err != nil {
			return nil, err
		}
		return nil, ErrStreamClosed
	}
	return s.cols, nil
}

// Value returns the row fetched by the last successful Next.
func (s *Stream[T]) Value() T {
	return s.current
}

// Err returns the first error met while fetching or mapping rows.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the producer and releases the cursor, freeing the connection.
// It is safe to call more than once and after exhaustion.
func (s *Stream[T]) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.reader.Dispose()
	})
	<-s.done
	return s.Err()
}

// All adapts the stream to a range-over-func iterator. Breaking out of the
// loop closes the stream. A failure is yielded once as the final pair.
func (s *Stream[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		defer s.Close()
		for s.Next(ctx) {
			if !yield(s.Value(), nil) {
				return
			}
		}
		if err := s.Err(); err != nil {
			var zero T
			yield(zero, err)
		}
	}
}

// collect drains s into a slice on a background task that lives as long as
// the returned future. after, if set, runs once the stream is closed.
func collect[T any](s *Stream[T], after func()) *future.Future[[]T] {
	f := future.New[[]T]()
	future.Go(f, func(ctx context.Context) ([]T, error) {
		defer func() {
			if after != nil {
				after()
			}
		}()
		defer s.Close()

		out := make([]T, 0)
		for s.Next(ctx) {
			out = append(out, s.Value())
		}
		return out, s.Err()
	})
	return f
}
