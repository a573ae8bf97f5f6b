// Package typing tracks local input activity as a debounced boolean.
package typing

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultDelay is the quiet period after which typing is considered stopped.
const DefaultDelay = 1000 * time.Millisecond

// Timer reports isTyping=true from the first StartTyping call until no
// further call arrives for a full delay window.
type Timer struct {
	clock    clockwork.Clock
	delay    time.Duration
	onChange func(isTyping bool)

	mu       sync.Mutex
	isTyping bool
	pending  clockwork.Timer
	gen      uint64
	stopped  bool
}

// New creates a timer. onChange, if non-nil, is called outside the lock on
// every transition of the flag.
func New(clock clockwork.Clock, delay time.Duration, onChange func(isTyping bool)) *Timer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Timer{clock: clock, delay: delay, onChange: onChange}
}

// StartTyping marks activity and restarts the quiet-period countdown.
func (t *Timer) StartTyping() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.pending != nil {
		t.pending.Stop()
	}
	t.gen++
	gen := t.gen
	t.pending = t.clock.AfterFunc(t.delay, func() { t.expire(gen) })

	changed := !t.isTyping
	t.isTyping = true
	t.mu.Unlock()

	if changed {
		t.notify(true)
	}
}

// expire clears the flag unless a newer StartTyping superseded this countdown.
func (t *Timer) expire(gen uint64) {
	t.mu.Lock()
	if t.stopped || gen != t.gen || !t.isTyping {
		t.mu.Unlock()
		return
	}
	t.isTyping = false
	t.pending = nil
	t.mu.Unlock()

	t.notify(false)
}

// IsTyping returns the current flag.
func (t *Timer) IsTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isTyping
}

// Stop cancels any pending countdown and clears the flag without notifying.
// Later calls are ignored.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.isTyping = false
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

func (t *Timer) notify(isTyping bool) {
	if t.onChange != nil {
		t.onChange(isTyping)
	}
}
