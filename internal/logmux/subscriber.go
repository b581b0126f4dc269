package logmux

import (
	"context"
	"sync"
)

// subscriber is one live consumer. Its queue is unbounded up to max bytes and
// drained by the consumer's own goroutine, so pushes never block the producer.
type subscriber struct {
	mu     sync.Mutex
	queue  [][]byte
	queued int64
	max    int64
	closed bool
	err    error

	notify chan struct{}
	done   chan struct{}
}

func newSubscriber(max int64) *subscriber {
	return &subscriber{
		max:    max,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push enqueues a copy of p. It reports false once the subscriber is closed,
// with ErrSlowConsumer when this push overflowed the backlog.
func (s *subscriber) push(p []byte) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, nil
	}
	if s.max > 0 && s.queued+int64(len(p)) > s.max {
		s.queue = nil
		s.queued = 0
		s.closeLocked(ErrSlowConsumer)
		s.mu.Unlock()
		return false, ErrSlowConsumer
	}
	s.queue = append(s.queue, append([]byte(nil), p...))
	s.queued += int64(len(p))
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true, nil
}

// close ends the subscription after queued data has been taken.
func (s *subscriber) close(err error) {
	s.mu.Lock()
	s.closeLocked(err)
	s.mu.Unlock()
}

func (s *subscriber) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}

// next blocks until data is queued, the subscriber closes or ctx ends.
// A closed subscriber returns its remaining queue before its error.
func (s *subscriber) next(ctx context.Context) ([][]byte, bool, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			q := s.queue
			s.queue = nil
			s.queued = 0
			s.mu.Unlock()
			return q, true, nil
		}
		if s.closed {
			err := s.err
			s.mu.Unlock()
			return nil, false, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}
