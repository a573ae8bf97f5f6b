package connection

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultSimulatedDelay is how long a SimulatedDialer takes to "connect".
const DefaultSimulatedDelay = 1000 * time.Millisecond

// SimulatedDialer stands in for a real transport in mock mode. It always
// succeeds after Delay unless Fail returns an error.
type SimulatedDialer struct {
	Clock clockwork.Clock
	Delay time.Duration
	// Fail, when set, is consulted after the delay; a non-nil result fails
	// the attempt.
	Fail func() error
}

// Dial waits Delay on Clock and then succeeds.
func (d *SimulatedDialer) Dial(ctx context.Context) error {
	clock := d.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	delay := d.Delay
	if delay <= 0 {
		delay = DefaultSimulatedDelay
	}

	timer := clock.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
	}

	if d.Fail != nil {
		return d.Fail()
	}
	return nil
}
