package session

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceMesh/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropEvent
	Unsubscribe
)

// Policy decides what happens to a subscriber whose buffer is full.
type Policy interface {
	OnBackPressure(dropped int64) BackpressureAction
}

// DropPolicy drops events for slow subscribers and never disconnects them.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(int64) BackpressureAction { return DropEvent }

type subscriber struct {
	ch      chan core.Event
	dropped atomic.Int64
}

// fanout delivers events to subscribers without ever blocking the publisher.
type fanout struct {
	policy Policy

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

func newFanout(policy Policy) *fanout {
	if policy == nil {
		policy = DropPolicy{}
	}
	return &fanout{policy: policy, subs: make(map[*subscriber]struct{})}
}

func (f *fanout) subscribe(buffer int) (<-chan core.Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	s := &subscriber{ch: make(chan core.Event, buffer)}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	f.subs[s] = struct{}{}
	f.mu.Unlock()
	return s.ch, func() { f.remove(s) }
}

func (f *fanout) remove(s *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[s]; ok {
		delete(f.subs, s)
		close(s.ch)
	}
}

func (f *fanout) publish(ev core.Event) {
	var slow []*subscriber
	f.mu.RLock()
	for s := range f.subs {
		select {
		case s.ch <- ev:
		default:
			n := s.dropped.Add(1)
			if f.policy.OnBackPressure(n) == Unsubscribe {
				slow = append(slow, s)
			}
		}
	}
	f.mu.RUnlock()

	for _, s := range slow {
		log.Warn().Str("module", "session").Int64("dropped", s.dropped.Load()).Msg("unsubscribing slow subscriber")
		f.remove(s)
	}
}

// close ends every subscription.
func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for s := range f.subs {
		delete(f.subs, s)
		close(s.ch)
	}
}
