package breaker

import (
	"errors"
	"sync"
	"time"

	"coupon/pkg/clock"
)

// State is the breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned without calling fn while the breaker is open
	ErrOpen = errors.New("breaker: circuit open")
	// ErrHalfOpenLimit is returned when the half-open probe quota is used up
	ErrHalfOpenLimit = errors.New("breaker: too many half-open probes")
)

// Counts tracks outcomes within the current generation
type Counts struct {
	Requests             uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Settings configures a Breaker
type Settings struct {
	// HalfOpenProbes is how many calls may pass while half-open; that many
	// consecutive successes close the breaker again.
	HalfOpenProbes uint32
	// Interval clears counts periodically while closed. Zero keeps them.
	Interval time.Duration
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// ShouldTrip decides whether a failure opens the breaker.
	ShouldTrip    func(c Counts) bool
	OnStateChange func(name string, from, to State)
	Clock         clock.Clock
}

// Breaker stops calling a failing dependency for a while after it trips.
type Breaker struct {
	name     string
	settings Settings

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New creates a closed breaker
func New(name string, s Settings) *Breaker {
	if s.HalfOpenProbes == 0 {
		s.HalfOpenProbes = 1
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.ShouldTrip == nil {
		s.ShouldTrip = func(c Counts) bool {
			return c.ConsecutiveFailures >= 5
		}
	}
	if s.Clock == nil {
		s.Clock = clock.NewSystem()
	}

	b := &Breaker{name: name, settings: s}
	b.newGeneration(s.Clock.Now())
	return b
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn unless the breaker is open. A panic in fn counts as a failure
// and is re-raised.
func (b *Breaker) Execute(fn func() error) error {
	generation, err := b.before()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.after(generation, false)
			panic(r)
		}
	}()

	err = fn()
	b.after(generation, err == nil)
	return err
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.current(b.settings.Clock.Now())
	return state
}

// Counts returns a snapshot of the current generation
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, generation := b.current(b.settings.Clock.Now())
	switch {
	case state == StateOpen:
		return generation, ErrOpen
	case state == StateHalfOpen && b.counts.Requests >= b.settings.HalfOpenProbes:
		return generation, ErrHalfOpenLimit
	}
	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) after(generation uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.settings.Clock.Now()
	state, current := b.current(now)
	if current != generation {
		return
	}

	if ok {
		b.counts.Successes++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.HalfOpenProbes {
			b.transition(StateClosed, now)
		}
		return
	}

	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.settings.ShouldTrip(b.counts) {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		b.transition(StateOpen, now)
	}
}

func (b *Breaker) current(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if !b.expiry.After(now) {
			b.transition(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) transition(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.newGeneration(now)

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, from, to)
	}
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}

	switch b.state {
	case StateClosed:
		if b.settings.Interval > 0 {
			b.expiry = now.Add(b.settings.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.settings.OpenTimeout)
	default:
		b.expiry = time.Time{}
	}
}
