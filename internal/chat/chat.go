// Package chat is the widget facade: it exposes the message log, loading
// and error flags, typing state and connection state to a UI layer, and
// routes sends through a Backend.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/connexi/connexi-chat/internal/connection"
	"github.com/connexi/connexi-chat/internal/domain"
	"github.com/connexi/connexi-chat/internal/messagelog"
	"github.com/connexi/connexi-chat/internal/session"
	"github.com/connexi/connexi-chat/internal/typing"
	"github.com/jonboulle/clockwork"
)

// User-facing error strings.
const (
	DisconnectedMessage = "З'єднання втрачено. Намагаємося перепідключитися..."
	TimeoutMessage      = "Перевищено час очікування. Перевірте з'єднання."
	SendFailedMessage   = "Не вдалося надіслати повідомлення. Спробуйте ще раз."
)

var (
	// ErrDisconnected is returned by SendMessage while the connection is down.
	ErrDisconnected = errors.New("connection lost")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("chat closed")
	// ErrBackend wraps failures reported by the Backend.
	ErrBackend = errors.New("backend send failed")
)

// Backend answers a user message. A non-empty reply is appended to the log
// as the assistant message; backends that deliver replies asynchronously
// return "" and push through Chat.Deliver.
type Backend interface {
	Send(ctx context.Context, chatID, text string) (string, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, chatID, text string) (string, error)

// Send calls f.
func (f BackendFunc) Send(ctx context.Context, chatID, text string) (string, error) {
	return f(ctx, chatID, text)
}

// Responder produces a reply for a message, e.g. simulator.Simulator.
type Responder interface {
	Respond(ctx context.Context, text string) (string, error)
}

// Simulated returns a Backend answering locally through r.
func Simulated(r Responder) Backend {
	return BackendFunc(func(ctx context.Context, _ string, text string) (string, error) {
		return r.Respond(ctx, text)
	})
}

// Connection is the part of connection.Controller the facade drives.
type Connection interface {
	Start()
	State() domain.ConnectionState
	ManualReconnect()
	Recover() bool
	FocusRegained() bool
	MarkHealthy()
	MarkTransientFailure()
	ConnectionLost(reason error)
	Close()
}

// Snapshot is the state consumed by the UI layer.
type Snapshot struct {
	ChatID          string                 `json:"chatId"`
	Messages        []domain.ChatMessage   `json:"messages"`
	IsLoading       bool                   `json:"isLoading"`
	Error           string                 `json:"error,omitempty"`
	ConnectionState domain.ConnectionState `json:"connectionState"`
	IsTyping        bool                   `json:"isTyping"`
}

// Options configures a Chat. Zero values select the defaults.
type Options struct {
	Clock        clockwork.Clock
	Logger       *slog.Logger
	Rand         *rand.Rand
	Connection   connection.Config
	TypingDelay  time.Duration
	WelcomeDelay time.Duration
	WelcomeText  string
	SendTimeout  time.Duration
	// OnChange is called after every observable change. It runs outside the
	// facade lock and may call Snapshot.
	OnChange func()

	newConnection func(connection.Hooks) Connection
}

const (
	defaultWelcomeDelay = 500 * time.Millisecond
	defaultSendTimeout  = 10 * time.Second
)

// Chat owns all widget state for one chat session.
type Chat struct {
	chatID  string
	backend Backend
	opts    Options
	clock   clockwork.Clock
	logger  *slog.Logger

	log    *messagelog.Log
	typing *typing.Timer
	conn   Connection

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	rng          *rand.Rand
	loading      bool
	errMsg       string
	welcomeTimer clockwork.Timer
	closed       bool
}

// New assembles a chat for chatID. The connection is established through
// dialer once Start is called.
func New(chatID string, backend Backend, dialer connection.Dialer, opts Options) *Chat {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x636f6e6e657869))
	}
	if opts.WelcomeDelay <= 0 {
		opts.WelcomeDelay = defaultWelcomeDelay
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Chat{
		chatID:  chatID,
		backend: backend,
		opts:    opts,
		clock:   opts.Clock,
		logger:  opts.Logger.With("chat_id", chatID),
		log:     messagelog.New(),
		ctx:     ctx,
		cancel:  cancel,
		rng:     opts.Rand,
	}
	c.typing = typing.New(c.clock, opts.TypingDelay, func(bool) { c.notify() })

	hooks := connection.Hooks{
		OnStateChange: func(domain.ConnectionState) { c.notify() },
		OnConnected:   c.onConnected,
		OnFatal:       c.onFatal,
	}
	if opts.newConnection != nil {
		c.conn = opts.newConnection(hooks)
	} else {
		c.conn = connection.New(dialer,
			connection.WithClock(c.clock),
			connection.WithConfig(opts.Connection),
			connection.WithHooks(hooks),
			connection.WithLogger(c.logger),
		)
	}
	return c
}

// ChatID returns the session's chat id.
func (c *Chat) ChatID() string { return c.chatID }

// Start performs the initial connection.
func (c *Chat) Start() {
	c.conn.Start()
}

// SendMessage appends text as a user message and asks the backend for a
// reply. Empty input and sends issued while another is in flight are
// ignored. Failures are recorded in the error string and returned; the log
// is never rolled back.
func (c *Chat) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if text == "" || c.loading {
		c.mu.Unlock()
		return nil
	}
	c.errMsg = ""

	if c.conn.State().Status == domain.StatusDisconnected {
		c.errMsg = DisconnectedMessage
		c.mu.Unlock()
		c.logger.Warn("Send rejected, connection lost")
		c.conn.Recover()
		c.notify()
		return ErrDisconnected
	}

	c.loading = true
	c.log.Append(c.newMessageLocked(domain.RoleUser, text))
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()
	c.notify()

	c.logger.Info("Sending message", "length", len(text))

	sendCtx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	stop := context.AfterFunc(c.ctx, cancel)
	reply, err := c.backend.Send(sendCtx, c.chatID, text)
	stop()
	cancel()

	c.mu.Lock()
	c.loading = false
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		timeout := errors.Is(err, context.DeadlineExceeded)
		if timeout {
			c.errMsg = TimeoutMessage
		} else {
			c.errMsg = SendFailedMessage
		}
		c.mu.Unlock()

		c.logger.Error("Failed to send message", "error", err, "timeout", timeout)
		c.conn.MarkTransientFailure()
		c.notify()
		return fmt.Errorf("%w: %w", ErrBackend, err)
	}
	if reply != "" {
		c.log.Append(c.newMessageLocked(domain.RoleAssistant, reply))
	}
	c.mu.Unlock()

	c.conn.MarkHealthy()
	c.notify()
	return nil
}

// Deliver appends a pushed message. Messages for other chats and ids
// already in the log are ignored.
func (c *Chat) Deliver(msg domain.InboundMessage) bool {
	if msg.ChatID != "" && msg.ChatID != c.chatID {
		return false
	}
	if !msg.Role.Valid() || msg.ID == "" {
		c.logger.Warn("Dropping malformed inbound message", "id", msg.ID, "role", msg.Role)
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	entry := msg.ChatMessage()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = c.clock.Now()
	}
	added := c.log.Append(entry)
	c.mu.Unlock()

	if !added {
		c.logger.Debug("Duplicate inbound message ignored", "id", msg.ID)
		return false
	}
	c.conn.MarkHealthy()
	c.notify()
	return true
}

// ClearError resets the error string.
func (c *Chat) ClearError() {
	c.mu.Lock()
	c.errMsg = ""
	c.mu.Unlock()
	c.notify()
}

// Reconnect clears the error and reconnects immediately with a fresh retry
// budget.
func (c *Chat) Reconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.errMsg = ""
	c.mu.Unlock()
	c.conn.ManualReconnect()
}

// FocusRegained reconnects when the connection is disconnected or failed.
func (c *Chat) FocusRegained() bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}
	return c.conn.FocusRegained()
}

// ConnectionLost reports that the push transport dropped unexpectedly.
func (c *Chat) ConnectionLost(reason error) {
	c.conn.ConnectionLost(reason)
}

// StartTyping records local keyboard activity.
func (c *Chat) StartTyping() {
	c.typing.StartTyping()
}

// Snapshot returns a consistent copy of the widget state.
func (c *Chat) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ChatID:          c.chatID,
		Messages:        c.log.Messages(),
		IsLoading:       c.loading,
		Error:           c.errMsg,
		ConnectionState: c.conn.State(),
		IsTyping:        c.typing.IsTyping(),
	}
}

// Close stops every timer, cancels in-flight dials and sends, and waits for
// them to return. It is safe to call more than once.
func (c *Chat) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.welcomeTimer != nil {
		c.welcomeTimer.Stop()
		c.welcomeTimer = nil
	}
	c.mu.Unlock()

	c.cancel()
	c.typing.Stop()
	c.conn.Close()
	c.wg.Wait()
	c.logger.Info("Chat closed")
}

func (c *Chat) onConnected(isReconnect bool) {
	if isReconnect {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.opts.WelcomeText == "" || c.welcomeTimer != nil || c.log.Len() > 0 {
		return
	}
	c.welcomeTimer = c.clock.AfterFunc(c.opts.WelcomeDelay, c.appendWelcome)
}

func (c *Chat) appendWelcome() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	added := c.log.AppendWelcome(domain.ChatMessage{
		ID:        domain.WelcomeMessageID(now),
		Content:   c.opts.WelcomeText,
		Role:      domain.RoleAssistant,
		Timestamp: now,
	})
	c.mu.Unlock()

	if added {
		c.logger.Debug("Welcome message added")
		c.notify()
	}
}

func (c *Chat) onFatal(message string) {
	c.mu.Lock()
	c.errMsg = message
	c.mu.Unlock()
	c.notify()
}

func (c *Chat) newMessageLocked(role domain.Role, content string) domain.ChatMessage {
	now := c.clock.Now()
	return domain.ChatMessage{
		ID:        domain.NewMessageID(role, now, session.RandomBase36(c.rng, 8)),
		Content:   content,
		Role:      role,
		Timestamp: now,
	}
}

func (c *Chat) notify() {
	if c.opts.OnChange != nil {
		c.opts.OnChange()
	}
}
