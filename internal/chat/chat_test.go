package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/connexi/connexi-chat/internal/connection"
	"github.com/connexi/connexi-chat/internal/domain"
	"github.com/connexi/connexi-chat/internal/simulator"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testChatID = "chat_1748779200000_abc123"

type fakeConn struct {
	mu        sync.Mutex
	hooks     connection.Hooks
	state     domain.ConnectionState
	healthy   int
	transient int
	manual    int
	closed    bool
}

func (f *fakeConn) Start() {
	f.mu.Lock()
	f.state.Status = domain.StatusConnected
	f.mu.Unlock()
	f.hooks.OnConnected(false)
}

func (f *fakeConn) State() domain.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) setStatus(s domain.ConnectionStatus) {
	f.mu.Lock()
	f.state.Status = s
	f.mu.Unlock()
}

func (f *fakeConn) ManualReconnect() {
	f.mu.Lock()
	f.manual++
	f.state = domain.ConnectionState{Status: domain.StatusReconnecting}
	f.mu.Unlock()
}

func (f *fakeConn) Recover() bool {
	if !f.State().NeedsRecovery() {
		return false
	}
	f.ManualReconnect()
	return true
}

func (f *fakeConn) FocusRegained() bool { return f.Recover() }

func (f *fakeConn) MarkHealthy() {
	f.mu.Lock()
	f.healthy++
	f.state.Status = domain.StatusConnected
	f.mu.Unlock()
}

func (f *fakeConn) MarkTransientFailure() {
	f.mu.Lock()
	f.transient++
	f.state.Status = domain.StatusReconnecting
	f.mu.Unlock()
}

func (f *fakeConn) ConnectionLost(error) {
	f.setStatus(domain.StatusDisconnected)
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) counts() (healthy, transient, manual int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy, f.transient, f.manual
}

type harness struct {
	chat  *Chat
	conn  *fakeConn
	clock *clockwork.FakeClock
}

func newHarness(t *testing.T, backend Backend) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	conn := &fakeConn{state: domain.ConnectionState{Status: domain.StatusConnecting}}
	c := New(testChatID, backend, nil, Options{
		Clock:       clock,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Rand:        rand.New(rand.NewPCG(1, 2)),
		WelcomeText: "welcome",
		newConnection: func(h connection.Hooks) Connection {
			conn.hooks = h
			return conn
		},
	})
	t.Cleanup(c.Close)
	return &harness{chat: c, conn: conn, clock: clock}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func echoBackend(ctx context.Context, _ string, text string) (string, error) {
	return "echo: " + text, nil
}

func TestSendMessage_GreetingEndToEnd(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	sim := simulator.New(nil, simulator.WithClock(clock), simulator.WithRand(rand.New(rand.NewPCG(5, 6))))
	conn := &fakeConn{}
	c := New(testChatID, Simulated(sim), nil, Options{
		Clock:       clock,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		WelcomeText: sim.Welcome(),
		newConnection: func(h connection.Hooks) Connection {
			conn.hooks = h
			return conn
		},
	})
	defer c.Close()

	c.Start()
	clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { return len(c.Snapshot().Messages) == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- c.SendMessage(context.Background(), "привіт") }()

	require.NoError(t, clock.BlockUntilContext(waitCtx(t), 1))

	snap := c.Snapshot()
	assert.True(t, snap.IsLoading)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, domain.RoleUser, snap.Messages[1].Role)
	assert.Equal(t, "привіт", snap.Messages[1].Content)

	clock.Advance(simulator.DefaultMaxDelay)
	require.NoError(t, <-done)

	greeting, ok := sim.Classify("привіт")
	require.True(t, ok)
	assert.Equal(t, "greeting", greeting.Name)

	snap = c.Snapshot()
	assert.False(t, snap.IsLoading)
	assert.Empty(t, snap.Error)
	require.Len(t, snap.Messages, 3)
	assert.Equal(t, domain.RoleAssistant, snap.Messages[2].Role)
	assert.Equal(t, greeting.Reply, snap.Messages[2].Content)

	healthy, _, _ := conn.counts()
	assert.Equal(t, 1, healthy)
}

func TestSendMessage_IgnoresEmptyInput(t *testing.T) {
	called := false
	h := newHarness(t, BackendFunc(func(context.Context, string, string) (string, error) {
		called = true
		return "", nil
	}))

	for _, text := range []string{"", "   ", "\n\t"} {
		assert.NoError(t, h.chat.SendMessage(context.Background(), text))
	}

	assert.False(t, called)
	snap := h.chat.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.Error)
}

func TestSendMessage_IgnoredWhileInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, BackendFunc(func(ctx context.Context, _ string, text string) (string, error) {
		close(entered)
		<-release
		return "ok", nil
	}))

	done := make(chan error, 1)
	go func() { done <- h.chat.SendMessage(context.Background(), "first") }()
	<-entered

	assert.NoError(t, h.chat.SendMessage(context.Background(), "second"))
	assert.Len(t, h.chat.Snapshot().Messages, 1)

	close(release)
	require.NoError(t, <-done)

	got := h.chat.Snapshot().Messages
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Content)
	assert.Equal(t, "ok", got[1].Content)
}

func TestSendMessage_DisconnectedFailsFast(t *testing.T) {
	called := false
	h := newHarness(t, BackendFunc(func(context.Context, string, string) (string, error) {
		called = true
		return "", nil
	}))
	h.conn.setStatus(domain.StatusDisconnected)

	err := h.chat.SendMessage(context.Background(), "hello")
	require.ErrorIs(t, err, ErrDisconnected)

	assert.False(t, called)
	snap := h.chat.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.Equal(t, DisconnectedMessage, snap.Error)

	_, _, manual := h.conn.counts()
	assert.Equal(t, 1, manual, "a reconnect is requested")
}

func TestSendMessage_BackendErrorKeepsLog(t *testing.T) {
	errRelay := errors.New("relay returned 502")
	h := newHarness(t, BackendFunc(func(context.Context, string, string) (string, error) {
		return "", errRelay
	}))
	h.chat.Start()

	err := h.chat.SendMessage(context.Background(), "hello")
	require.ErrorIs(t, err, errRelay)
	assert.ErrorIs(t, err, ErrBackend)

	snap := h.chat.Snapshot()
	assert.Equal(t, SendFailedMessage, snap.Error)
	assert.False(t, snap.IsLoading)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "hello", snap.Messages[0].Content)
	assert.Equal(t, domain.StatusReconnecting, snap.ConnectionState.Status)

	_, transient, _ := h.conn.counts()
	assert.Equal(t, 1, transient)

	h.chat.ClearError()
	assert.Empty(t, h.chat.Snapshot().Error)
}

func TestSendMessage_TimeoutDowngradesConnection(t *testing.T) {
	h := newHarness(t, BackendFunc(func(context.Context, string, string) (string, error) {
		return "", context.DeadlineExceeded
	}))
	h.chat.Start()

	err := h.chat.SendMessage(context.Background(), "hello")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	snap := h.chat.Snapshot()
	assert.Equal(t, TimeoutMessage, snap.Error)
	assert.Equal(t, domain.StatusReconnecting, snap.ConnectionState.Status)
	assert.Len(t, snap.Messages, 1)

	healthy, transient, _ := h.conn.counts()
	assert.Zero(t, healthy)
	assert.Equal(t, 1, transient)
}

func TestSendMessage_NextSendClearsError(t *testing.T) {
	fail := true
	h := newHarness(t, BackendFunc(func(ctx context.Context, chatID, text string) (string, error) {
		if fail {
			return "", errors.New("boom")
		}
		return echoBackend(ctx, chatID, text)
	}))

	require.Error(t, h.chat.SendMessage(context.Background(), "one"))
	fail = false
	require.NoError(t, h.chat.SendMessage(context.Background(), "two"))

	snap := h.chat.Snapshot()
	assert.Empty(t, snap.Error)
	contents := make([]string, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		contents = append(contents, m.Content)
	}
	assert.Empty(t, cmp.Diff([]string{"one", "two", "echo: two"}, contents))
}

func TestSendMessage_UserBeforeReply(t *testing.T) {
	h := newHarness(t, BackendFunc(echoBackend))

	require.NoError(t, h.chat.SendMessage(context.Background(), "a"))
	require.NoError(t, h.chat.SendMessage(context.Background(), "b"))

	msgs := h.chat.Snapshot().Messages
	require.Len(t, msgs, 4)
	roles := []domain.Role{msgs[0].Role, msgs[1].Role, msgs[2].Role, msgs[3].Role}
	assert.Equal(t, []domain.Role{domain.RoleUser, domain.RoleAssistant, domain.RoleUser, domain.RoleAssistant}, roles)
	assert.NotEqual(t, msgs[0].ID, msgs[2].ID)
}

func TestWelcome_OnlyOnFirstConnect(t *testing.T) {
	t.Run("reconnect does not greet", func(t *testing.T) {
		h := newHarness(t, BackendFunc(echoBackend))
		h.conn.hooks.OnConnected(true)
		h.clock.Advance(time.Second)
		assert.Empty(t, h.chat.Snapshot().Messages)
	})

	t.Run("non-empty log does not greet", func(t *testing.T) {
		h := newHarness(t, BackendFunc(echoBackend))
		require.NoError(t, h.chat.SendMessage(context.Background(), "hi"))
		h.chat.Start()
		h.clock.Advance(time.Second)
		assert.Len(t, h.chat.Snapshot().Messages, 2)
	})

	t.Run("greets once", func(t *testing.T) {
		h := newHarness(t, BackendFunc(echoBackend))
		h.chat.Start()
		h.conn.hooks.OnConnected(false)
		h.clock.Advance(499 * time.Millisecond)
		assert.Empty(t, h.chat.Snapshot().Messages)

		h.clock.Advance(time.Millisecond)
		require.Eventually(t, func() bool { return len(h.chat.Snapshot().Messages) == 1 }, time.Second, 5*time.Millisecond)

		h.conn.hooks.OnConnected(false)
		h.clock.Advance(time.Second)
		msgs := h.chat.Snapshot().Messages
		require.Len(t, msgs, 1)
		assert.Equal(t, domain.WelcomeMessageID(h.clock.Now().Add(-time.Second)), msgs[0].ID)
		assert.Equal(t, "welcome", msgs[0].Content)
	})
}

func TestDeliver_Deduplicates(t *testing.T) {
	h := newHarness(t, BackendFunc(echoBackend))

	msg := domain.InboundMessage{
		ID:        "8f14e45f-ceea-467a-9575-9a6d0a1d6f2b",
		ChatID:    testChatID,
		Message:   "reply from relay",
		Role:      domain.RoleAssistant,
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC),
	}

	assert.True(t, h.chat.Deliver(msg))
	assert.False(t, h.chat.Deliver(msg))

	other := msg
	other.ID = "another"
	other.ChatID = "chat_other"
	assert.False(t, h.chat.Deliver(other))

	bad := msg
	bad.ID = "bad-role"
	bad.Role = "system"
	assert.False(t, h.chat.Deliver(bad))

	want := []domain.ChatMessage{msg.ChatMessage()}
	assert.Empty(t, cmp.Diff(want, h.chat.Snapshot().Messages))
}

func TestFatalAndReconnect(t *testing.T) {
	h := newHarness(t, BackendFunc(echoBackend))
	h.conn.setStatus(domain.StatusError)
	h.conn.hooks.OnFatal(connection.FatalMessage)

	assert.Equal(t, connection.FatalMessage, h.chat.Snapshot().Error)

	h.chat.Reconnect()
	snap := h.chat.Snapshot()
	assert.Empty(t, snap.Error)
	assert.Equal(t, domain.StatusReconnecting, snap.ConnectionState.Status)

	_, _, manual := h.conn.counts()
	assert.Equal(t, 1, manual)
}

func TestFocusRegained(t *testing.T) {
	h := newHarness(t, BackendFunc(echoBackend))
	h.chat.Start()
	assert.False(t, h.chat.FocusRegained())

	h.conn.setStatus(domain.StatusError)
	assert.True(t, h.chat.FocusRegained())
}

func TestStartTyping(t *testing.T) {
	h := newHarness(t, BackendFunc(echoBackend))

	h.chat.StartTyping()
	assert.True(t, h.chat.Snapshot().IsTyping)

	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return !h.chat.Snapshot().IsTyping }, time.Second, 5*time.Millisecond)
}

func TestClose_CancelsInFlightSend(t *testing.T) {
	entered := make(chan struct{})
	h := newHarness(t, BackendFunc(func(ctx context.Context, _ string, _ string) (string, error) {
		close(entered)
		<-ctx.Done()
		return "", ctx.Err()
	}))

	done := make(chan error, 1)
	go func() { done <- h.chat.SendMessage(context.Background(), "hello") }()
	<-entered

	h.chat.Close()
	assert.ErrorIs(t, <-done, ErrClosed)

	assert.ErrorIs(t, h.chat.SendMessage(context.Background(), "again"), ErrClosed)
	assert.False(t, h.chat.Deliver(domain.InboundMessage{ID: "x", Role: domain.RoleAssistant}))
	h.conn.mu.Lock()
	assert.True(t, h.conn.closed)
	h.conn.mu.Unlock()
}

func TestChat_WithController(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	var changes sync.WaitGroup
	changes.Add(1)
	var once sync.Once

	c := New(testChatID, BackendFunc(echoBackend), connection.DialFunc(func(context.Context) error { return nil }), Options{
		Clock:       clock,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		WelcomeText: "welcome",
		OnChange:    func() { once.Do(changes.Done) },
	})
	defer c.Close()

	c.Start()
	changes.Wait()

	// Heartbeat ticker and welcome timer.
	require.NoError(t, clock.BlockUntilContext(waitCtx(t), 2))
	assert.Equal(t, domain.StatusConnected, c.Snapshot().ConnectionState.Status)

	clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { return len(c.Snapshot().Messages) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.SendMessage(context.Background(), "ping"))
	snap := c.Snapshot()
	assert.Len(t, snap.Messages, 3)
	assert.Equal(t, domain.StatusConnected, snap.ConnectionState.Status)
	assert.Zero(t, snap.ConnectionState.RetryCount)
}

func TestChat_WithController_BackendErrorSchedulesReconnect(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	var dials atomic.Int32
	dialer := connection.DialFunc(func(context.Context) error {
		dials.Add(1)
		return nil
	})
	backend := BackendFunc(func(context.Context, string, string) (string, error) {
		return "", errors.New("relay returned non-success status: 502")
	})

	c := New(testChatID, backend, dialer, Options{
		Clock:  clock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	defer c.Close()

	c.Start()
	require.Eventually(t, func() bool {
		return c.Snapshot().ConnectionState.Status == domain.StatusConnected
	}, time.Second, 5*time.Millisecond)

	err := c.SendMessage(context.Background(), "hello")
	require.ErrorIs(t, err, ErrBackend)

	snap := c.Snapshot()
	assert.Equal(t, SendFailedMessage, snap.Error)
	assert.Equal(t, domain.StatusReconnecting, snap.ConnectionState.Status)
	assert.Equal(t, 1, snap.ConnectionState.RetryCount)

	// The backoff timer redials and restores the connection.
	require.NoError(t, clock.BlockUntilContext(waitCtx(t), 1))
	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return c.Snapshot().ConnectionState.Status == domain.StatusConnected
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), dials.Load())
}
