package channel

import (
	"encoding/json"
	"sync"
)

// Subscription is an ordered, unbounded stream of the data frames of one channel.
//
// Frames are queued as they arrive and handed to C by a pump goroutine, so a slow
// reader never blocks the transport. Cancel ends only this subscription; when the
// channel itself closes, frames already queued are still delivered before C closes.
type Subscription struct {
	ch  *Channel
	out chan json.RawMessage

	mu     sync.Mutex
	queue  []json.RawMessage
	ending bool  // No more pushes; close out once the queue drains
	err    error // Why the subscription ended

	notify   chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
}

func newSubscription(ch *Channel, backlog []json.RawMessage) *Subscription {
	s := &Subscription{
		ch:     ch,
		out:    make(chan json.RawMessage),
		queue:  backlog,
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// C yields frames in arrival order. It is closed when the subscription ends.
func (s *Subscription) C() <-chan json.RawMessage {
	return s.out
}

// Err reports why the subscription ended: ErrSubscriptionCanceled or ErrChannelClosed.
// It is nil while the subscription is live.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel stops delivery to this subscription. Undelivered frames are discarded and
// the channel stays open.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.err == nil {
		s.err = ErrSubscriptionCanceled
	}
	s.mu.Unlock()
	s.quitOnce.Do(func() { close(s.quit) })
	s.ch.unsubscribe(s)
}

func (s *Subscription) push(data json.RawMessage) {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, data)
	s.mu.Unlock()
	s.wake()
}

// end lets the queue drain and then closes C.
func (s *Subscription) end(err error) {
	s.mu.Lock()
	s.ending = true
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			ending := s.ending
			s.mu.Unlock()
			if ending {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.quit:
				return
			}
		}
		item := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- item:
		case <-s.quit:
			return
		}
	}
}
