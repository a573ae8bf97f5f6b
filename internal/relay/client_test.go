package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/connexi/connexi-chat/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Send(t *testing.T) {
	var got SendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/functions/chat-handler", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.Message == "limit" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"message":"Message sent"}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL+"/", srv.Client(), discardLogger())

	reply, err := c.Send(context.Background(), "chat_1", "привіт")
	require.NoError(t, err)
	assert.Empty(t, reply)
	assert.Equal(t, SendRequest{Message: "привіт", ChatID: "chat_1"}, got)

	_, err = c.Send(context.Background(), "chat_1", "limit")
	require.ErrorIs(t, err, ErrRelayStatus)
	assert.Contains(t, err.Error(), "rate limit exceeded")
}

func TestClient_History(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chats/chat_1/messages" {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": []domain.StoredMessage{
			{ID: "1", ChatID: "chat_1", Message: "hi", Role: domain.RoleUser, CreatedAt: created},
			{ID: "2", ChatID: "chat_1", Message: "Привіт!", Role: domain.RoleAssistant, CreatedAt: created},
		}})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, srv.Client(), discardLogger())
	rows, err := c.History(context.Background(), "chat_1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, domain.RoleAssistant, rows[1].Role)
	assert.True(t, created.Equal(rows[1].CreatedAt))

	_, err = c.History(context.Background(), "other")
	assert.ErrorIs(t, err, ErrRelayStatus)
}

type inbox struct {
	mu   sync.Mutex
	ids  []string
	lost chan error
}

func newInbox() *inbox { return &inbox{lost: make(chan error, 1)} }

func (b *inbox) onMessage(m domain.InboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ids = append(b.ids, m.ID)
}

func (b *inbox) received() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ids...)
}

func newTestSubscriber(t *testing.T, srv *httptest.Server, box *inbox) *Subscriber {
	t.Helper()
	s := NewSubscriber(srv.URL, "chat_1", SubscriberOptions{
		Logger:    discardLogger(),
		OnMessage: box.onMessage,
		OnLost:    func(err error) { box.lost <- err },
	})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSubscriber_ReceivesAndReplays(t *testing.T) {
	h, srv := newTestHub(t, clockwork.NewFakeClock())
	box := newInbox()
	s := newTestSubscriber(t, srv, box)
	ctx := context.Background()

	require.NoError(t, s.Dial(ctx))
	require.NoError(t, s.Ping(ctx))

	require.NoError(t, h.Publish(ctx, inbound("chat_1", "m1", "one")))
	require.Eventually(t, func() bool { return len(box.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), s.LastEventID())

	// Drop the connection without telling the subscriber's owner.
	s.mu.Lock()
	s.detachLocked()
	s.mu.Unlock()
	require.Eventually(t, func() bool { return h.Subscribers("chat_1") == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Publish(ctx, inbound("chat_1", "m2", "two")))
	require.NoError(t, h.Publish(ctx, inbound("chat_1", "m3", "three")))
	require.Eventually(t, func() bool { return len(h.queue.Since("chat_1", 1)) == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Dial(ctx))
	assert.Equal(t, []string{"m1", "m2", "m3"}, box.received())
	assert.Equal(t, int64(3), s.LastEventID())
	assert.Empty(t, box.lost, "a deliberate detach is not a loss")
}

func TestSubscriber_ReplaysReplyMissedBeforeFirstMessage(t *testing.T) {
	h, srv := newTestHub(t, clockwork.NewFakeClock())
	box := newInbox()
	s := newTestSubscriber(t, srv, box)
	ctx := context.Background()

	require.NoError(t, s.Dial(ctx))
	assert.Zero(t, s.LastEventID())

	s.mu.Lock()
	s.detachLocked()
	s.mu.Unlock()
	require.Eventually(t, func() bool { return h.Subscribers("chat_1") == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Publish(ctx, inbound("chat_1", "m1", "reply")))
	require.Eventually(t, func() bool { return len(h.queue.Since("chat_1", 0)) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Dial(ctx))
	assert.Equal(t, []string{"m1"}, box.received())
	assert.Equal(t, int64(1), s.LastEventID())
}

func TestSubscriber_StartsFromConnectedEventID(t *testing.T) {
	h, srv := newTestHub(t, clockwork.NewFakeClock())
	box := newInbox()
	s := newTestSubscriber(t, srv, box)
	ctx := context.Background()

	require.NoError(t, h.Publish(ctx, inbound("chat_2", "x1", "elsewhere")))
	require.Eventually(t, func() bool { return h.queue.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Dial(ctx))
	assert.Equal(t, int64(1), s.LastEventID())
	assert.Empty(t, box.received())
}

func TestSubscriber_AdoptsBaselineAfterRelayRestart(t *testing.T) {
	_, srv := newTestHub(t, clockwork.NewFakeClock())
	s := newTestSubscriber(t, srv, newInbox())

	s.mu.Lock()
	s.synced = true
	s.lastEventID = 42
	s.mu.Unlock()

	require.NoError(t, s.Dial(context.Background()))
	assert.Zero(t, s.LastEventID())
}

func TestSubscriber_ReportsLostConnection(t *testing.T) {
	h, srv := newTestHub(t, clockwork.NewFakeClock())
	box := newInbox()
	s := newTestSubscriber(t, srv, box)

	require.NoError(t, s.Dial(context.Background()))
	h.Close()

	select {
	case err := <-box.lost:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnLost not called")
	}
	assert.ErrorIs(t, s.Ping(context.Background()), ErrNotConnected)
}

func TestSubscriber_DialAfterClose(t *testing.T) {
	_, srv := newTestHub(t, clockwork.NewFakeClock())
	s := newTestSubscriber(t, srv, newInbox())

	require.NoError(t, s.Close())
	assert.True(t, errors.Is(s.Dial(context.Background()), ErrSubscriberClosed))
}
