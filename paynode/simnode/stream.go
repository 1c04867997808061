package simnode

import (
	"context"
	"sync"
)

// stream decouples publishers from slow readers: events are queued without
// bound and pumped to out by a dedicated goroutine.
type stream[T any] struct {
	lk    sync.Mutex
	queue []T
	wake  chan struct{}
}

func newStream[T any]() *stream[T] {
	return &stream[T]{wake: make(chan struct{}, 1)}
}

func (s *stream[T]) push(v T) {
	s.lk.Lock()
	s.queue = append(s.queue, v)
	s.lk.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *stream[T]) run(ctx context.Context, out chan<- T, unsubscribe func()) {
	defer close(out)
	defer unsubscribe()

	for {
		s.lk.Lock()
		if len(s.queue) == 0 {
			s.lk.Unlock()
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		v := s.queue[0]
		s.queue = s.queue[1:]
		s.lk.Unlock()

		select {
		case out <- v:
		case <-ctx.Done():
			return
		}
	}
}
