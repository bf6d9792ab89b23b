package clock

import (
	"sync"
	"time"
)

// Clock allows injecting time into the sync engine.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystem returns a clock backed by time.Now.
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

type fixedClock struct {
	now time.Time
}

// NewFixed returns a clock that always returns the same instant.
func NewFixed(t time.Time) Clock {
	return fixedClock{now: t.UTC()}
}

func (f fixedClock) Now() time.Time {
	return f.now
}

type steppingClock struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

// NewStepping returns a clock that advances by step on every call.
func NewStepping(start time.Time, step time.Duration) Clock {
	return &steppingClock{next: start.UTC(), step: step}
}

func (s *steppingClock) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.next
	s.next = s.next.Add(s.step)
	return now
}
