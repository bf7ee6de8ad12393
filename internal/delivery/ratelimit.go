package delivery

import (
	"context"
	"sync"
	"time"
)

// Clock is the limiter's view of time.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Limiter enforces a minimum interval between admissions per channel key.
// Admission is serialized per key, so two callers can never both observe
// the interval as elapsed.
type Limiter struct {
	clock            Clock
	intervals        map[string]time.Duration
	maxPending       int
	residencyTimeout time.Duration

	mu      sync.Mutex
	keys    map[string]*keyState
	pending int
}

type keyState struct {
	turn chan struct{} // 1-slot semaphore, held while waiting out the interval
	last time.Time
}

type LimiterOption func(*Limiter)

func WithClock(c Clock) LimiterOption {
	return func(l *Limiter) { l.clock = c }
}

// WithMaxPending bounds the number of callers queued across all keys.
func WithMaxPending(n int) LimiterOption {
	return func(l *Limiter) { l.maxPending = n }
}

// WithResidencyTimeout bounds how long a caller may wait for admission.
func WithResidencyTimeout(d time.Duration) LimiterOption {
	return func(l *Limiter) { l.residencyTimeout = d }
}

func NewLimiter(intervals map[string]time.Duration, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		clock:     realClock{},
		intervals: make(map[string]time.Duration, len(intervals)),
		keys:      map[string]*keyState{},
	}
	for k, v := range intervals {
		l.intervals[k] = v
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit blocks until key may send and returns the admission instant.
// It fails with ErrQueueFull when too many callers are already waiting and
// with ErrResidencyTimeout when the wait exceeds the residency timeout.
func (l *Limiter) Admit(ctx context.Context, key string) (time.Time, error) {
	st, err := l.enqueue(key)
	if err != nil {
		return time.Time{}, err
	}
	defer l.dequeue()

	var deadline <-chan time.Time
	if l.residencyTimeout > 0 {
		deadline = l.clock.After(l.residencyTimeout)
	}

	select {
	case st.turn <- struct{}{}:
	case <-deadline:
		return time.Time{}, ErrResidencyTimeout
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
	defer func() { <-st.turn }()

	interval := l.intervals[key]
	if !st.last.IsZero() {
		if wait := st.last.Add(interval).Sub(l.clock.Now()); wait > 0 {
			select {
			case <-l.clock.After(wait):
			case <-deadline:
				return time.Time{}, ErrResidencyTimeout
			case <-ctx.Done():
				return time.Time{}, ctx.Err()
			}
		}
	}

	now := l.clock.Now()
	if earliest := st.last.Add(interval); !st.last.IsZero() && now.Before(earliest) {
		now = earliest
	}
	st.last = now
	return now, nil
}

// Pending reports the number of callers currently queued.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

func (l *Limiter) enqueue(key string) (*keyState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxPending > 0 && l.pending >= l.maxPending {
		return nil, ErrQueueFull
	}
	l.pending++

	st, ok := l.keys[key]
	if !ok {
		st = &keyState{turn: make(chan struct{}, 1)}
		l.keys[key] = st
	}
	return st, nil
}

func (l *Limiter) dequeue() {
	l.mu.Lock()
	l.pending--
	l.mu.Unlock()
}
