package vhostnet

import (
	"context"
	"sync"
)

// Subscription represents a running receive stream. It ends when the
// subscriber's handler returns an error, when the device goes away or when
// [Subscription.Cancel] is called.
type Subscription struct {
	cancel context.CancelFunc

	once sync.Once
	err  error
	done chan struct{}
}

func newSubscription(cancel context.CancelFunc) *Subscription {
	return &Subscription{
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// fail records the first error that ends the subscription and stops all
// goroutines belonging to it.
func (s *Subscription) fail(err error) {
	s.once.Do(func() {
		s.err = err
		s.cancel()
		close(s.done)
	})
}

// Done returns a channel that is closed once the subscription has ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the subscription, once
// [Subscription.Done] is closed.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Cancel ends the subscription. Packets that were already reassembled but
// not yet delivered are dropped.
func (s *Subscription) Cancel() {
	s.fail(context.Canceled)
}
