package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/connexi/connexi-chat/internal/chat"
	"github.com/connexi/connexi-chat/internal/connection"
	"github.com/connexi/connexi-chat/internal/domain"
	"github.com/connexi/connexi-chat/internal/relay"
	"github.com/connexi/connexi-chat/internal/session"
	"github.com/connexi/connexi-chat/internal/simulator"
	"github.com/connexi/connexi-chat/internal/store"
	"github.com/jonboulle/clockwork"
)

const (
	modeMock  = "mock"
	modeRelay = "relay"
)

func runWidget(ctx context.Context, in io.Reader, out io.Writer) error {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	kv, closeKV, err := openSessionStorage(dbPath)
	if err != nil {
		return err
	}
	defer closeKV()

	chatID := session.NewStore(kv, session.WithLogger(logger)).Load(ctx)

	r := newRenderer(out)
	var c *chat.Chat
	var statusDetail func() string
	opts := chat.Options{
		Logger:   logger,
		OnChange: func() { r.render(c.Snapshot()) },
	}

	switch mode {
	case modeMock:
		catalog := simulator.DefaultCatalog()
		if intentsFile != "" {
			if catalog, err = simulator.LoadCatalog(intentsFile); err != nil {
				return err
			}
		}
		sim := simulator.New(catalog)
		opts.WelcomeText = sim.Welcome()
		dialer := &connection.SimulatedDialer{Clock: clockwork.NewRealClock()}
		c = chat.New(chatID, chat.Simulated(sim), dialer, opts)

	case modeRelay:
		client := relay.NewClient(serverURL, nil, logger)
		sub := relay.NewSubscriber(serverURL, chatID, relay.SubscriberOptions{
			Logger:    logger,
			OnMessage: func(m domain.InboundMessage) { c.Deliver(m) },
			OnLost:    func(err error) { c.ConnectionLost(err) },
		})
		defer func() { _ = sub.Close() }()
		statusDetail = func() string { return fmt.Sprintf("last event %d", sub.LastEventID()) }

		opts.WelcomeText = simulator.DefaultCatalog().Welcome
		c = chat.New(chatID, client, sub, opts)

		history, err := client.History(ctx, chatID)
		if err != nil {
			logger.Warn("Failed to load chat history", "error", err, "chat_id", chatID)
		}
		for _, row := range history {
			c.Deliver(row.Inbound())
		}

	default:
		return fmt.Errorf("unknown mode %q (want %s or %s)", mode, modeMock, modeRelay)
	}
	defer c.Close()

	fmt.Fprintf(out, "Connexi chat %s (%s mode). Type /quit to leave.\n", chatID, mode)
	r.render(c.Snapshot())
	c.Start()

	return readLoop(ctx, in, out, c, statusDetail)
}

// openSessionStorage opens the SQLite key-value store at path, or an
// in-memory one when path is empty.
func openSessionStorage(path string) (store.KV, func(), error) {
	if path == "" {
		return store.NewMemoryKV(), func() {}, nil
	}
	s, err := store.NewSQLite(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open session database: %w", err)
	}
	return s, func() { _ = s.Close() }, nil
}

// widget is the part of chat.Chat driven by terminal input.
type widget interface {
	SendMessage(ctx context.Context, text string) error
	Reconnect()
	FocusRegained() bool
	ClearError()
	StartTyping()
	Snapshot() chat.Snapshot
}

// readLoop dispatches input lines until /quit, EOF or ctx is done.
// statusDetail, if set, is appended to /status output.
func readLoop(ctx context.Context, in io.Reader, out io.Writer, w widget, statusDetail func() string) error {
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-readCtx.Done():
				return
			}
		}
	}()

	var sends sync.WaitGroup
	defer sends.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := dispatch(ctx, out, w, line, statusDetail, &sends); quit {
				return nil
			}
		}
	}
}

// dispatch handles one input line and reports whether the user asked to quit.
func dispatch(ctx context.Context, out io.Writer, w widget, line string, statusDetail func() string, sends *sync.WaitGroup) bool {
	switch strings.TrimSpace(line) {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/reconnect":
		w.Reconnect()
	case "/focus":
		if !w.FocusRegained() {
			fmt.Fprintln(out, "* connection is fine")
		}
	case "/clear":
		w.ClearError()
	case "/status":
		status := describeState(w.Snapshot().ConnectionState)
		if statusDetail != nil {
			status += ", " + statusDetail()
		}
		fmt.Fprintln(out, "* "+status)
	default:
		w.StartTyping()
		sends.Add(1)
		go func() {
			defer sends.Done()
			// Failures surface through the snapshot's error string.
			_ = w.SendMessage(ctx, line)
		}()
	}
	return false
}

// renderer prints snapshot changes: new log entries, status and error
// transitions.
type renderer struct {
	mu      sync.Mutex
	out     io.Writer
	printed int
	status  domain.ConnectionStatus
	errMsg  string
	loading bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

func (r *renderer) render(s chat.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.ConnectionState.Status != r.status {
		r.status = s.ConnectionState.Status
		fmt.Fprintln(r.out, "* "+describeState(s.ConnectionState))
	}
	for ; r.printed < len(s.Messages); r.printed++ {
		m := s.Messages[r.printed]
		who := "you"
		if m.Role == domain.RoleAssistant {
			who = "connexi"
		}
		fmt.Fprintf(r.out, "[%s] %s: %s\n", m.Timestamp.Local().Format("15:04"), who, m.Content)
	}
	if s.IsLoading && !r.loading {
		fmt.Fprintln(r.out, "  ...")
	}
	r.loading = s.IsLoading
	if s.Error != r.errMsg {
		r.errMsg = s.Error
		if s.Error != "" {
			fmt.Fprintln(r.out, "! "+s.Error)
		}
	}
}

func describeState(st domain.ConnectionState) string {
	var b strings.Builder
	b.WriteString(string(st.Status))
	if st.RetryCount > 0 {
		fmt.Fprintf(&b, " (retry %d)", st.RetryCount)
	}
	if st.LastConnected != nil {
		fmt.Fprintf(&b, ", last connected %s", st.LastConnected.Local().Format("15:04:05"))
	}
	return b.String()
}
