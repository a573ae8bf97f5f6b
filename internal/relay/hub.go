package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/connexi/connexi-chat/internal/domain"
	"github.com/connexi/connexi-chat/internal/identity"
	"github.com/jonboulle/clockwork"
)

// ErrHubClosed is returned by Publish after Close.
var ErrHubClosed = errors.New("hub closed")

// Frame types pushed to and accepted from websocket subscribers.
const (
	FrameConnected = "connected"
	FrameMessage   = "message"
	FrameKeepalive = "keepalive"
	FramePing      = "ping"
	FramePong      = "pong"
)

// Frame is the JSON envelope exchanged over /ws/chat.
type Frame struct {
	Type    string                 `json:"type"`
	EventID int64                  `json:"eventId,omitempty"`
	Data    *domain.InboundMessage `json:"data,omitempty"`
}

// HubOptions configures a Hub. Zero values select defaults.
type HubOptions struct {
	Clock             clockwork.Clock
	Logger            *slog.Logger
	ReplayQueueSize   int
	KeepaliveInterval time.Duration
	WriteTimeout      time.Duration
	OriginPatterns    []string
}

type subscriber struct {
	id     int64
	chatID string
	conn   *websocket.Conn

	mu       sync.Mutex
	lastSent int64
}

// Hub fans out stored messages to websocket subscribers of the same chat.
type Hub struct {
	clock          clockwork.Clock
	logger         *slog.Logger
	queue          *ReplayQueue
	keepalive      time.Duration
	writeTimeout   time.Duration
	originPatterns []string

	publishCh chan domain.InboundMessage
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	subsMu sync.RWMutex
	subs   map[string]map[int64]*subscriber

	counterMu    sync.Mutex
	eventCounter int64
	connCounter  int64
}

// NewHub creates a hub and starts its broadcast loop.
func NewHub(opts HubOptions) *Hub {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 25 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if len(opts.OriginPatterns) == 0 {
		opts.OriginPatterns = []string{"*"}
	}

	h := &Hub{
		clock:          opts.Clock,
		logger:         opts.Logger,
		queue:          NewReplayQueue(opts.ReplayQueueSize),
		keepalive:      opts.KeepaliveInterval,
		writeTimeout:   opts.WriteTimeout,
		originPatterns: opts.OriginPatterns,
		publishCh:      make(chan domain.InboundMessage, 100),
		done:           make(chan struct{}),
		loopDone:       make(chan struct{}),
		subs:           make(map[string]map[int64]*subscriber),
	}
	go h.broadcastLoop()
	return h
}

// Publish queues msg for delivery to the subscribers of msg.ChatID.
func (h *Hub) Publish(ctx context.Context, msg domain.InboundMessage) error {
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}

	select {
	case h.publishCh <- msg:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribers returns the number of live subscribers for chatID.
func (h *Hub) Subscribers(chatID string) int {
	h.subsMu.RLock()
	defer h.subsMu.RUnlock()
	return len(h.subs[chatID])
}

// PruneIdle drops replay buffers of chats without subscribers whose last
// event is older than cutoff.
func (h *Hub) PruneIdle(cutoff time.Time) int {
	h.subsMu.RLock()
	for chatID, subs := range h.subs {
		if len(subs) > 0 {
			h.queue.Touch(chatID, h.clock.Now())
		}
	}
	h.subsMu.RUnlock()
	return h.queue.PruneIdle(cutoff)
}

// Close stops the broadcast loop and disconnects every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		<-h.loopDone
	})
}

func (h *Hub) broadcastLoop() {
	defer close(h.loopDone)
	h.logger.Info("[BROADCAST] Broadcast loop started")
	for {
		select {
		case <-h.done:
			h.logger.Info("[BROADCAST] Broadcast loop shutting down")
			return
		case msg := <-h.publishCh:
			h.counterMu.Lock()
			h.eventCounter++
			ev := Event{ID: h.eventCounter, Message: msg, Timestamp: h.clock.Now()}
			h.counterMu.Unlock()

			chatID := msg.ChatID
			h.queue.Enqueue(chatID, ev)

			// Snapshot subscribers to avoid holding the lock during writes.
			h.subsMu.RLock()
			subs := make([]*subscriber, 0, len(h.subs[chatID]))
			for _, s := range h.subs[chatID] {
				subs = append(subs, s)
			}
			h.subsMu.RUnlock()

			if len(subs) == 0 {
				h.logger.Debug("[BROADCAST] No subscribers for chat", "chat_id", chatID, "event_id", ev.ID)
				continue
			}
			for _, s := range subs {
				h.send(s, ev)
			}
		}
	}
}

// send writes ev to s unless s has already seen it.
func (h *Hub) send(s *subscriber, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h.sendLocked(s, ev)
}

func (h *Hub) sendLocked(s *subscriber, ev Event) {
	if ev.ID <= s.lastSent {
		return
	}
	msg := ev.Message
	if err := h.write(s, Frame{Type: FrameMessage, EventID: ev.ID, Data: &msg}); err != nil {
		h.logger.Warn("[SEND] Failed to write to websocket", "error", err, "conn_id", s.id, "chat_id", s.chatID)
		return
	}
	s.lastSent = ev.ID
}

func (h *Hub) write(s *subscriber, f Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, f)
}

// ServeHTTP upgrades GET /ws/chat?chat_id=<id>&last_event_id=<n> and streams
// the chat's messages until either side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	chatID := identity.ChatIDFromContext(r.Context())
	if chatID == "" {
		chatID = identity.ChatIDFromRequest(r)
	}
	if chatID == "" {
		http.Error(w, `{"error": "invalid or missing chat_id"}`, http.StatusBadRequest)
		return
	}

	select {
	case <-h.done:
		http.Error(w, `{"error": "shutting down"}`, http.StatusServiceUnavailable)
		return
	default:
	}

	// A present last_event_id, 0 included, resumes from that event.
	lastEventID := int64(0)
	resume := false
	idParam := r.Header.Get("Last-Event-ID")
	if idParam == "" {
		idParam = r.URL.Query().Get("last_event_id")
	}
	if idParam != "" {
		if parsed, err := strconv.ParseInt(idParam, 10, 64); err == nil && parsed >= 0 {
			lastEventID = parsed
			resume = true
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Error("Failed to accept websocket", "error", err, "chat_id", chatID)
		return
	}
	defer conn.CloseNow()

	h.counterMu.Lock()
	h.connCounter++
	sub := &subscriber{id: h.connCounter, chatID: chatID, conn: conn}
	currentEventID := h.eventCounter
	h.counterMu.Unlock()

	if lastEventID > currentEventID {
		// Issued by an earlier server instance.
		lastEventID = 0
		resume = false
	}
	// A fresh subscriber starts at the counter seen before registration, so
	// events published while it registers are replayed from the queue.
	from := currentEventID
	if resume {
		from = lastEventID
	}

	// Register and replay under the subscriber lock so live events wait until
	// the backlog has been written.
	sub.mu.Lock()
	h.register(sub)
	defer h.unregister(sub)

	replayed := 0
	for _, ev := range h.queue.Since(chatID, from) {
		h.sendLocked(sub, ev)
		replayed++
	}
	if sub.lastSent < from {
		sub.lastSent = from
	}
	err = h.write(sub, Frame{Type: FrameConnected, EventID: sub.lastSent})
	sub.mu.Unlock()
	if err != nil {
		h.logger.Warn("Failed to write connected frame", "error", err, "chat_id", chatID)
		return
	}

	h.logger.Info("Websocket subscriber connected",
		"chat_id", chatID,
		"conn_id", sub.id,
		"last_event_id", lastEventID,
		"replayed", replayed,
		"reconnect", resume,
		"chat_subscribers", h.Subscribers(chatID),
	)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		h.readLoop(ctx, sub)
	}()

	keepalive := h.clock.NewTicker(h.keepalive)
	defer keepalive.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-h.done:
			if err := conn.Close(websocket.StatusGoingAway, "server shutting down"); err != nil {
				h.logger.Debug("Failed to close websocket", "error", err, "conn_id", sub.id)
			}
			break loop
		case <-keepalive.Chan():
			sub.mu.Lock()
			err := h.write(sub, Frame{Type: FrameKeepalive})
			sub.mu.Unlock()
			if err != nil {
				h.logger.Debug("Failed to write keepalive", "error", err, "conn_id", sub.id)
				break loop
			}
		}
	}

	cancel()
	conn.CloseNow()
	wg.Wait()
	h.logger.Info("Websocket subscriber disconnected", "chat_id", chatID, "conn_id", sub.id)
}

func (h *Hub) readLoop(ctx context.Context, sub *subscriber) {
	for {
		var f Frame
		if err := wsjson.Read(ctx, sub.conn, &f); err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("Websocket closed", "conn_id", sub.id)
			} else {
				h.logger.Warn("Websocket read error", "error", err, "conn_id", sub.id)
			}
			return
		}
		if f.Type == FramePing {
			sub.mu.Lock()
			err := h.write(sub, Frame{Type: FramePong})
			sub.mu.Unlock()
			if err != nil {
				h.logger.Debug("Failed to send pong", "error", err, "conn_id", sub.id)
				return
			}
		}
	}
}

func (h *Hub) register(s *subscriber) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	if _, ok := h.subs[s.chatID]; !ok {
		h.subs[s.chatID] = make(map[int64]*subscriber)
	}
	h.subs[s.chatID][s.id] = s
}

func (h *Hub) unregister(s *subscriber) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	if subs, ok := h.subs[s.chatID]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(h.subs, s.chatID)
		}
	}
	h.queue.Touch(s.chatID, h.clock.Now())
}
