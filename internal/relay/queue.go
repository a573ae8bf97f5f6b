// Package relay implements the message relay behind the chat widget: it
// persists rows, forwards user messages to the assistant workflow and pushes
// replies to websocket subscribers. It also contains the client side used
// by the widget in relay mode.
package relay

import (
	"container/list"
	"sync"
	"time"

	"github.com/connexi/connexi-chat/internal/domain"
)

// DefaultReplayQueueSize is the number of events retained per chat.
const DefaultReplayQueueSize = 100

// Event is a pushed message tagged with a hub-wide monotonically increasing id.
type Event struct {
	ID        int64
	Message   domain.InboundMessage
	Timestamp time.Time
}

type chatQueue struct {
	events     *list.List
	lastActive time.Time
}

// ReplayQueue buffers recent events per chat so reconnecting subscribers can
// catch up from their last seen event id. Each chat gets its own bounded
// list so one chat's burst cannot evict events belonging to another.
type ReplayQueue struct {
	mu      sync.RWMutex
	queues  map[string]*chatQueue
	maxSize int
}

// NewReplayQueue creates a per-chat queue holding at most maxSize events each.
func NewReplayQueue(maxSize int) *ReplayQueue {
	if maxSize <= 0 {
		maxSize = DefaultReplayQueueSize
	}
	return &ReplayQueue{
		queues:  make(map[string]*chatQueue),
		maxSize: maxSize,
	}
}

// Enqueue appends an event to the chat's queue, evicting the oldest ones
// beyond maxSize.
func (q *ReplayQueue) Enqueue(chatID string, ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cq, ok := q.queues[chatID]
	if !ok {
		cq = &chatQueue{events: list.New()}
		q.queues[chatID] = cq
	}
	cq.events.PushBack(ev)
	cq.lastActive = ev.Timestamp
	for cq.events.Len() > q.maxSize {
		cq.events.Remove(cq.events.Front())
	}
}

// Since returns the chat's events with an id greater than afterID, oldest first.
func (q *ReplayQueue) Since(chatID string, afterID int64) []Event {
	q.mu.RLock()
	defer q.mu.RUnlock()

	cq, ok := q.queues[chatID]
	if !ok {
		return nil
	}
	var missed []Event
	for e := cq.events.Front(); e != nil; e = e.Next() {
		ev := e.Value.(Event)
		if ev.ID > afterID {
			missed = append(missed, ev)
		}
	}
	return missed
}

// Touch marks a chat as active without enqueueing.
func (q *ReplayQueue) Touch(chatID string, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cq, ok := q.queues[chatID]; ok {
		cq.lastActive = at
	}
}

// PruneIdle drops queues whose last activity is before cutoff and returns
// how many were removed.
func (q *ReplayQueue) PruneIdle(cutoff time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for chatID, cq := range q.queues {
		if cq.lastActive.Before(cutoff) {
			delete(q.queues, chatID)
			removed++
		}
	}
	return removed
}

// Len returns the number of chats with buffered events.
func (q *ReplayQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.queues)
}
