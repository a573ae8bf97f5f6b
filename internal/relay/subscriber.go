package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/connexi/connexi-chat/internal/domain"
)

var (
	// ErrSubscriberClosed is returned by Dial after Close.
	ErrSubscriberClosed = errors.New("subscriber closed")
	// ErrNotConnected is returned by Ping without an established connection.
	ErrNotConnected = errors.New("not connected")
)

// SubscriberOptions configures a Subscriber.
type SubscriberOptions struct {
	Logger *slog.Logger
	// OnMessage receives every pushed message, including replayed ones.
	OnMessage func(domain.InboundMessage)
	// OnLost is called when an established connection drops on its own.
	OnLost func(error)
}

// Subscriber keeps a websocket subscription to a chat's pushed messages. It
// implements connection.Dialer and connection.Pinger, so the widget's
// connection controller drives its lifecycle.
type Subscriber struct {
	endpoint string
	chatID   string
	opts     SubscriberOptions

	mu          sync.Mutex
	conn        *websocket.Conn
	cancel      context.CancelFunc
	gen         uint64
	lastEventID int64
	synced      bool // a subscription was confirmed; Dial resumes from lastEventID
	closed      bool
	wg          sync.WaitGroup
}

// NewSubscriber creates a subscriber for chatID against the relay at
// baseURL ("http://host:port" or "ws://host:port").
func NewSubscriber(baseURL, chatID string, opts SubscriberOptions) *Subscriber {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	endpoint := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = "ws://" + strings.TrimPrefix(endpoint, "http://")
	}
	return &Subscriber{endpoint: endpoint + "/ws/chat", chatID: chatID, opts: opts}
}

// LastEventID returns the id of the newest event received.
func (s *Subscriber) LastEventID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// Dial replaces any existing connection with a new one, replaying events
// missed since the last received one. It returns once the relay has
// confirmed the subscription.
func (s *Subscriber) Dial(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSubscriberClosed
	}
	s.detachLocked()
	lastEventID, synced := s.lastEventID, s.synced
	s.mu.Unlock()

	q := url.Values{}
	q.Set("chat_id", s.chatID)
	if synced {
		q.Set("last_event_id", strconv.FormatInt(lastEventID, 10))
	}

	conn, _, err := websocket.Dial(ctx, s.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("dial relay websocket: %w", err)
	}

	if err := s.awaitConnected(ctx, conn); err != nil {
		conn.CloseNow()
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		conn.CloseNow()
		return ErrSubscriberClosed
	}
	s.conn = conn
	s.cancel = cancel
	s.gen++
	gen := s.gen
	s.wg.Add(1)
	s.mu.Unlock()

	go s.readLoop(readCtx, conn, gen)
	s.opts.Logger.Info("Relay subscription established", "chat_id", s.chatID, "last_event_id", lastEventID)
	return nil
}

// Ping checks the current connection with a websocket ping.
func (s *Subscriber) Ping(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Ping(ctx)
}

// Close drops the connection and waits for the read loop to exit.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn, cancel := s.conn, s.cancel
	s.conn, s.cancel = nil, nil
	s.gen++
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client closing"); err != nil {
			s.opts.Logger.Debug("Failed to close relay websocket", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}

// awaitConnected consumes frames up to the relay's confirmation, delivering
// replayed messages on the way.
func (s *Subscriber) awaitConnected(ctx context.Context, conn *websocket.Conn) error {
	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return fmt.Errorf("await subscription confirmation: %w", err)
		}
		switch f.Type {
		case FrameConnected:
			s.mu.Lock()
			// The baseline also resets an id issued by an earlier relay instance.
			s.synced = true
			s.lastEventID = f.EventID
			s.mu.Unlock()
			return nil
		case FrameMessage:
			s.handleMessage(f)
		}
	}
}

func (s *Subscriber) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	defer s.wg.Done()
	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			s.mu.Lock()
			current := !s.closed && s.gen == gen
			if current {
				s.conn = nil
			}
			s.mu.Unlock()

			if current && ctx.Err() == nil {
				s.opts.Logger.Warn("Relay subscription lost", "error", err, "chat_id", s.chatID)
				if s.opts.OnLost != nil {
					s.opts.OnLost(err)
				}
			}
			return
		}
		if f.Type == FrameMessage {
			s.handleMessage(f)
		}
	}
}

func (s *Subscriber) handleMessage(f Frame) {
	if f.Data == nil {
		return
	}
	s.mu.Lock()
	if f.EventID > s.lastEventID {
		s.lastEventID = f.EventID
	}
	s.mu.Unlock()

	if s.opts.OnMessage != nil {
		s.opts.OnMessage(*f.Data)
	}
}

// detachLocked cancels the current read loop and forgets the connection.
func (s *Subscriber) detachLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conn != nil {
		s.conn.CloseNow()
		s.conn = nil
	}
	s.gen++
}
