// Package events fans job status changes out to in-process subscribers.
// Publishing never blocks: each subscriber owns a bounded buffer and the
// oldest undelivered event is dropped when it overflows.
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orrn/printsync/internal/core"
)

var ErrClosed = errors.New("subscription closed")

type Config struct {
	BufferSize        int
	KeepAliveInterval time.Duration
}

// Message is one item of a subscription. KeepAlive messages carry no event.
type Message struct {
	Event     core.JobEvent
	KeepAlive bool
}

type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*Subscription
	nextID    uint64
	closed    bool
	bufSize   int
	keepAlive time.Duration
	log       logrus.FieldLogger
}

func NewBus(cfg Config, log logrus.FieldLogger) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 30 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bus{
		subs:      make(map[uint64]*Subscription),
		bufSize:   cfg.BufferSize,
		keepAlive: cfg.KeepAliveInterval,
		log:       log.WithField("component", "events"),
	}
}

// Publish delivers evt to every matching subscriber registered right now.
func (b *Bus) Publish(evt core.JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.userID != "" && sub.userID != evt.UserID {
			continue
		}
		if sub.deliver(evt) {
			b.log.WithFields(logrus.Fields{
				"subscriber": sub.id,
				"job_id":     evt.JobID,
			}).Debug("subscriber buffer full, dropped oldest event")
		}
	}
}

// Subscribe registers a subscriber for userID's events, or for every user
// when userID is empty. Events published before the call are not replayed.
func (b *Bus) Subscribe(userID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:        b.nextID,
		userID:    userID,
		bus:       b,
		buf:       make([]core.JobEvent, 0, b.bufSize),
		cap:       b.bufSize,
		keepAlive: b.keepAlive,
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if b.closed {
		sub.closeOnce.Do(func() { close(sub.done) })
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. Later Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.closeOnce.Do(func() { close(sub.done) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

type Subscription struct {
	id        uint64
	userID    string
	bus       *Bus
	keepAlive time.Duration

	mu  sync.Mutex
	buf []core.JobEvent
	cap int

	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// deliver buffers evt and reports whether an older event had to be dropped.
func (s *Subscription) deliver(evt core.JobEvent) bool {
	s.mu.Lock()
	dropped := false
	if len(s.buf) >= s.cap {
		copy(s.buf, s.buf[1:])
		s.buf = s.buf[:len(s.buf)-1]
		s.dropped.Add(1)
		dropped = true
	}
	s.buf = append(s.buf, evt)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return dropped
}

func (s *Subscription) pop() (core.JobEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return core.JobEvent{}, false
	}
	evt := s.buf[0]
	copy(s.buf, s.buf[1:])
	s.buf = s.buf[:len(s.buf)-1]
	return evt, true
}

// Next blocks until an event arrives, the keep-alive interval passes without
// one, ctx is done or the subscription is closed.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	timer := time.NewTimer(s.keepAlive)
	defer timer.Stop()

	for {
		if evt, ok := s.pop(); ok {
			return Message{Event: evt}, nil
		}

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-s.done:
			return Message{}, ErrClosed
		case <-s.signal:
		case <-timer.C:
			return Message{KeepAlive: true}, nil
		}
	}
}

// Dropped counts events discarded because this subscriber fell behind.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.bus.remove(s.id)
	})
}
