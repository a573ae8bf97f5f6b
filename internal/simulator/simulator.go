// Package simulator produces canned assistant replies with human-like latency.
// It stands in for a real backend in the demo widget.
package simulator

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultMinDelay and DefaultMaxDelay bound the simulated latency.
	DefaultMinDelay = 1000 * time.Millisecond
	DefaultMaxDelay = 3000 * time.Millisecond
)

// Simulator classifies a message and answers after a randomized delay.
type Simulator struct {
	catalog  *Catalog
	clock    clockwork.Clock
	minDelay time.Duration
	maxDelay time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// Option customises a Simulator.
type Option func(*Simulator)

// WithClock sets the clock the delay is measured on.
func WithClock(c clockwork.Clock) Option {
	return func(s *Simulator) { s.clock = c }
}

// WithRand sets the random source for delays and fallback choice.
func WithRand(r *rand.Rand) Option {
	return func(s *Simulator) { s.rng = r }
}

// WithDelayRange overrides the latency bounds. max must be >= min.
func WithDelayRange(minDelay, maxDelay time.Duration) Option {
	return func(s *Simulator) {
		s.minDelay = minDelay
		s.maxDelay = maxDelay
	}
}

// New creates a simulator. A nil catalog selects the built-in one.
func New(catalog *Catalog, opts ...Option) *Simulator {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	s := &Simulator{
		catalog:  catalog,
		clock:    clockwork.NewRealClock(),
		minDelay: DefaultMinDelay,
		maxDelay: DefaultMaxDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxDelay < s.minDelay {
		s.maxDelay = s.minDelay
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x73696d))
	}
	return s
}

// Classify returns the first intent matching text, case-insensitively.
func (s *Simulator) Classify(text string) (Intent, bool) {
	lowered := strings.ToLower(text)
	for _, in := range s.catalog.Intents {
		if in.Matches(lowered) {
			return in, true
		}
	}
	return Intent{}, false
}

// Reply returns the canned answer for text without waiting.
func (s *Simulator) Reply(text string) string {
	if in, ok := s.Classify(text); ok {
		return in.Reply
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalog.Fallback[s.rng.IntN(len(s.catalog.Fallback))]
}

// Delay draws a latency in [minDelay, maxDelay).
func (s *Simulator) Delay() time.Duration {
	span := s.maxDelay - s.minDelay
	if span <= 0 {
		return s.minDelay
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minDelay + time.Duration(s.rng.Int64N(int64(span)))
}

// Welcome returns the greeting shown on first connect.
func (s *Simulator) Welcome() string {
	return s.catalog.Welcome
}

// Respond waits for the simulated latency and returns the reply.
// It returns ctx.Err() if ctx is cancelled first.
func (s *Simulator) Respond(ctx context.Context, text string) (string, error) {
	reply := s.Reply(text)
	timer := s.clock.NewTimer(s.Delay())
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return reply, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
