// Package timer implements C4: named, resettable, single-threaded timer
// scheduling. Every fired timer is delivered as an event on one channel,
// so handler invocations serialize with each other and with whatever else
// the owning Raft loop selects on (spec §5).
package timer

import (
	"math/rand"
	"sync"
	"time"
)

// Name identifies one of the timers used by the Raft loop (spec §4.4).
type Name string

const (
	Election    Name = "ELECTION"
	Heartbeat   Name = "HEARTBEAT"
	AppendBatch Name = "APPEND_BATCH"
)

// Fired is delivered on the Service's channel when a named timer elapses.
type Fired struct {
	Name Name
	Gen  uint64 // generation at fire time, to let callers detect/ignore stale fires
}

// Service manages a small fixed set of named timers, funneling fired
// events into one channel.
type Service struct {
	mu     sync.Mutex
	timers map[Name]*entry
	events chan Fired
}

type entry struct {
	t   *time.Timer
	gen uint64
}

// New constructs a timer Service. bufSize sizes the fired-event channel;
// it should comfortably exceed the number of distinct timer names.
func New(bufSize int) *Service {
	return &Service{
		timers: make(map[Name]*entry),
		events: make(chan Fired, bufSize),
	}
}

// Events returns the channel the owning loop should select on.
func (s *Service) Events() <-chan Fired { return s.events }

// Set (re)arms the named timer to fire after delay, replacing any pending
// fire. A zero jitter yields an exact delay; a non-zero jitter yields a
// uniform delay in [delay, delay+jitter) (used for the randomized
// election timeout, spec §4.4).
func (s *Service) Set(name Name, delay, jitter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := delay
	if jitter > 0 {
		d += time.Duration(rand.Int63n(int64(jitter)))
	}

	if e, ok := s.timers[name]; ok {
		e.t.Stop()
		e.gen++
	} else {
		s.timers[name] = &entry{}
	}
	e := s.timers[name]
	gen := e.gen
	e.t = time.AfterFunc(d, func() {
		select {
		case s.events <- Fired{Name: name, Gen: gen}:
		default:
			// the loop is behind; drop rather than block the timer
			// goroutine indefinitely. A dropped heartbeat/election
			// fire is harmless: the next tick or message supersedes it.
		}
	})
}

// Reset re-arms name with the same semantics as Set, invalidating any
// fire already in flight for the previous generation.
func (s *Service) Reset(name Name, delay, jitter time.Duration) {
	s.Set(name, delay, jitter)
}

// Cancel stops the named timer without rearming it.
func (s *Service) Cancel(name Name) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.timers[name]; ok {
		e.t.Stop()
		e.gen++
	}
}

// IsCurrent reports whether a Fired event's generation still matches the
// timer's current generation (guards against acting on a fire that lost a
// race with a concurrent Reset/Cancel).
func (s *Service) IsCurrent(f Fired) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[f.Name]
	return ok && e.gen == f.Gen
}

// RandomElectionTimeout returns a duration uniform in [base, base*2), per
// spec §4.4.
func RandomElectionTimeout(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(base)))
}
