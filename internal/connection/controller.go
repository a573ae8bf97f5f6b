// Package connection owns the widget's connection lifecycle: connect,
// heartbeat, exponential-backoff reconnect and manual recovery.
//
// Failures are never returned to callers. They show up as status
// transitions observable through State and the Hooks callbacks.
package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/connexi/connexi-chat/internal/domain"
	"github.com/jonboulle/clockwork"
)

// FatalMessage is surfaced once all automatic retries are exhausted.
const FatalMessage = "Не вдалося відновити з'єднання. Перезавантажте сторінку."

// Dialer establishes the underlying connection.
type Dialer interface {
	Dial(ctx context.Context) error
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) error

// Dial calls f(ctx).
func (f DialFunc) Dial(ctx context.Context) error { return f(ctx) }

// Pinger is implemented by dialers that can prove liveness of an
// established connection. A successful ping refreshes LastConnected.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds timing parameters.
type Config struct {
	HeartbeatInterval time.Duration
	RetryBaseDelay    time.Duration
	MaxRetryAttempts  int
	// DialTimeout bounds a single Dial or Ping call.
	DialTimeout time.Duration
}

// DefaultConfig returns the widget defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		RetryBaseDelay:    1000 * time.Millisecond,
		MaxRetryAttempts:  5,
		DialTimeout:       10 * time.Second,
	}
}

// Hooks are invoked outside the controller lock, from whichever goroutine
// caused the transition. Any of them may be nil.
type Hooks struct {
	OnStateChange    func(domain.ConnectionState)
	OnConnected      func(isReconnect bool)
	OnRetryScheduled func(attempt int, delay time.Duration)
	OnFatal          func(message string)
}

// Controller drives the connection state machine.
type Controller struct {
	dialer Dialer
	cfg    Config
	clock  clockwork.Clock
	hooks  Hooks
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	state         domain.ConnectionState
	attempt       uint64
	retryTimer    clockwork.Timer
	retryGen      uint64
	heartbeat     clockwork.Ticker
	heartbeatStop chan struct{}
	closed        bool
}

// Option customises a Controller.
type Option func(*Controller)

// WithClock sets the clock for timers and timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithConfig overrides the timing configuration. Zero fields keep defaults.
func WithConfig(cfg Config) Option {
	return func(ctl *Controller) {
		def := DefaultConfig()
		if cfg.HeartbeatInterval <= 0 {
			cfg.HeartbeatInterval = def.HeartbeatInterval
		}
		if cfg.RetryBaseDelay <= 0 {
			cfg.RetryBaseDelay = def.RetryBaseDelay
		}
		if cfg.MaxRetryAttempts <= 0 {
			cfg.MaxRetryAttempts = def.MaxRetryAttempts
		}
		if cfg.DialTimeout <= 0 {
			cfg.DialTimeout = def.DialTimeout
		}
		ctl.cfg = cfg
	}
}

// WithHooks registers transition callbacks.
func WithHooks(h Hooks) Option {
	return func(ctl *Controller) { ctl.hooks = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ctl *Controller) { ctl.logger = l }
}

// New creates a controller in the connecting state. Call Start to dial.
func New(dialer Dialer, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		dialer: dialer,
		cfg:    DefaultConfig(),
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
		state:  domain.ConnectionState{Status: domain.StatusConnecting},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns a copy of the current connection state.
func (c *Controller) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Start performs the initial connection attempt.
func (c *Controller) Start() {
	c.Connect(false)
}

// Connect begins a connection attempt. The status becomes connecting, or
// reconnecting when isReconnect is set, before Connect returns; the dial
// itself runs in the background.
func (c *Controller) Connect(isReconnect bool) {
	c.mu.Lock()
	attempt, snap, ok := c.beginConnectLocked(isReconnect)
	c.mu.Unlock()
	if ok {
		c.launch(attempt, isReconnect, snap)
	}
}

// ManualReconnect resets the retry counter and reconnects immediately,
// bypassing backoff. It also leaves the terminal error state.
func (c *Controller) ManualReconnect() {
	c.mu.Lock()
	c.state.RetryCount = 0
	attempt, snap, ok := c.beginConnectLocked(true)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.logger.Info("Manual reconnect triggered")
	c.launch(attempt, true, snap)
}

// Recover takes the manual-reconnect path if the connection is
// disconnected or in error, and reports whether it did.
func (c *Controller) Recover() bool {
	if !c.State().NeedsRecovery() {
		return false
	}
	c.ManualReconnect()
	return true
}

// FocusRegained is called when the hosting window regains focus.
func (c *Controller) FocusRegained() bool {
	recovered := c.Recover()
	if recovered {
		c.logger.Info("Window regained focus, reconnecting")
	}
	return recovered
}

// MarkHealthy records a successful round trip as proof of a live connection.
func (c *Controller) MarkHealthy() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	c.stopRetryLocked()
	c.state.Status = domain.StatusConnected
	c.state.LastConnected = &now
	c.state.RetryCount = 0
	if c.heartbeat == nil {
		c.startHeartbeatLocked()
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.emitState(snap)
}

// MarkTransientFailure downgrades the status after a failed send and
// schedules a reconnect through the usual backoff.
func (c *Controller) MarkTransientFailure() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.stopHeartbeatLocked()
	plan := c.scheduleReconnectLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.emitState(snap)
	c.emitPlan(plan)
}

// ConnectionLost reports an unexpected drop of an established connection,
// e.g. a transport read error. It transitions to disconnected and schedules
// a reconnect.
func (c *Controller) ConnectionLost(reason error) {
	c.mu.Lock()
	if c.closed || c.state.Status != domain.StatusConnected {
		c.mu.Unlock()
		return
	}
	c.logger.Warn("Connection lost", "error", reason)
	c.disconnectLocked()
}

// Close stops all timers, cancels in-flight dials and waits for background
// goroutines. Callbacks that fire afterwards are ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopRetryLocked()
	c.stopHeartbeatLocked()
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.logger.Debug("Connection controller closed")
}

// beginConnectLocked moves to connecting/reconnecting and reserves a
// goroutine slot for the dial.
func (c *Controller) beginConnectLocked(isReconnect bool) (uint64, domain.ConnectionState, bool) {
	if c.closed {
		return 0, domain.ConnectionState{}, false
	}
	c.stopRetryLocked()
	c.attempt++
	if isReconnect {
		c.state.Status = domain.StatusReconnecting
	} else {
		c.state.Status = domain.StatusConnecting
	}
	c.wg.Add(1)
	return c.attempt, c.snapshotLocked(), true
}

func (c *Controller) launch(attempt uint64, isReconnect bool, snap domain.ConnectionState) {
	c.logger.Info("Connecting", "reconnect", isReconnect, "retry_count", snap.RetryCount)
	c.emitState(snap)
	go c.dial(attempt, isReconnect)
}

func (c *Controller) dial(attempt uint64, isReconnect bool) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	err := c.dialer.Dial(ctx)
	cancel()

	c.mu.Lock()
	if c.closed || attempt != c.attempt {
		// Torn down or superseded by a newer attempt.
		c.mu.Unlock()
		return
	}

	if err != nil {
		c.state.Status = domain.StatusError
		failed := c.snapshotLocked()
		plan := c.scheduleReconnectLocked()
		snap := c.snapshotLocked()
		c.mu.Unlock()

		c.logger.Warn("Connection attempt failed", "error", err, "reconnect", isReconnect)
		c.emitState(failed)
		if plan.scheduled {
			c.emitState(snap)
		}
		c.emitPlan(plan)
		return
	}

	now := c.clock.Now()
	c.state = domain.ConnectionState{
		Status:        domain.StatusConnected,
		LastConnected: &now,
		RetryCount:    0,
	}
	c.startHeartbeatLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("Connection established", "reconnect", isReconnect)
	c.emitState(snap)
	if c.hooks.OnConnected != nil {
		c.hooks.OnConnected(isReconnect)
	}
}

type reconnectPlan struct {
	scheduled bool
	attempt   int
	delay     time.Duration
	fatal     bool
}

// scheduleReconnectLocked arms the backoff timer, or enters the terminal
// error state once MaxRetryAttempts retries have been spent.
func (c *Controller) scheduleReconnectLocked() reconnectPlan {
	c.stopRetryLocked()

	if c.state.RetryCount >= c.cfg.MaxRetryAttempts {
		c.state.Status = domain.StatusError
		return reconnectPlan{fatal: true}
	}

	delay := c.cfg.RetryBaseDelay * time.Duration(1<<c.state.RetryCount)
	c.state.RetryCount++
	c.state.Status = domain.StatusReconnecting

	c.retryGen++
	gen := c.retryGen
	c.retryTimer = c.clock.AfterFunc(delay, func() { c.retryFired(gen) })

	return reconnectPlan{scheduled: true, attempt: c.state.RetryCount, delay: delay}
}

func (c *Controller) retryFired(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.retryGen || c.retryTimer == nil {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	attempt, snap, ok := c.beginConnectLocked(true)
	c.mu.Unlock()
	if ok {
		c.launch(attempt, true, snap)
	}
}

func (c *Controller) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.retryGen++
}

func (c *Controller) startHeartbeatLocked() {
	c.stopHeartbeatLocked()
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	stop := make(chan struct{})
	c.heartbeat = ticker
	c.heartbeatStop = stop

	c.wg.Add(1)
	go c.heartbeatLoop(ticker, stop)
}

func (c *Controller) stopHeartbeatLocked() {
	if c.heartbeat == nil {
		return
	}
	c.heartbeat.Stop()
	close(c.heartbeatStop)
	c.heartbeat = nil
	c.heartbeatStop = nil
}

func (c *Controller) heartbeatLoop(ticker clockwork.Ticker, stop <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.Chan():
			c.checkHeartbeat(stop)
		}
	}
}

// checkHeartbeat treats a connection as silently dead once nothing has
// proven it alive for two heartbeat intervals.
func (c *Controller) checkHeartbeat(stop <-chan struct{}) {
	if pinger, ok := c.dialer.(Pinger); ok && c.State().Status == domain.StatusConnected {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
		err := pinger.Ping(ctx)
		cancel()
		if err == nil {
			c.refreshLastConnected(stop)
		} else {
			c.logger.Debug("Heartbeat ping failed", "error", err)
		}
	}

	c.mu.Lock()
	if c.closed || c.heartbeatStop != stop || c.state.Status != domain.StatusConnected || c.state.LastConnected == nil {
		c.mu.Unlock()
		return
	}
	if c.clock.Since(*c.state.LastConnected) <= 2*c.cfg.HeartbeatInterval {
		c.mu.Unlock()
		return
	}
	c.logger.Warn("Heartbeat timeout detected, reconnecting")
	c.disconnectLocked()
}

func (c *Controller) refreshLastConnected(stop <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.heartbeatStop != stop || c.state.Status != domain.StatusConnected {
		return
	}
	now := c.clock.Now()
	c.state.LastConnected = &now
}

// disconnectLocked transitions to disconnected, schedules a reconnect and
// releases the lock.
func (c *Controller) disconnectLocked() {
	c.attempt++
	c.stopHeartbeatLocked()
	c.state.Status = domain.StatusDisconnected
	disconnected := c.snapshotLocked()
	plan := c.scheduleReconnectLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.emitState(disconnected)
	c.emitState(snap)
	c.emitPlan(plan)
}

func (c *Controller) snapshotLocked() domain.ConnectionState {
	snap := c.state
	if c.state.LastConnected != nil {
		t := *c.state.LastConnected
		snap.LastConnected = &t
	}
	return snap
}

func (c *Controller) emitState(s domain.ConnectionState) {
	if c.hooks.OnStateChange != nil {
		c.hooks.OnStateChange(s)
	}
}

func (c *Controller) emitPlan(p reconnectPlan) {
	switch {
	case p.fatal:
		c.logger.Error("Maximum reconnect attempts reached", "max_attempts", c.cfg.MaxRetryAttempts)
		if c.hooks.OnFatal != nil {
			c.hooks.OnFatal(FatalMessage)
		}
	case p.scheduled:
		c.logger.Info("Reconnect scheduled", "attempt", p.attempt, "delay", p.delay)
		if c.hooks.OnRetryScheduled != nil {
			c.hooks.OnRetryScheduled(p.attempt, p.delay)
		}
	}
}
