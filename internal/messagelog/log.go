// Package messagelog holds the ordered, id-deduplicated chat history of one widget.
package messagelog

import (
	"sync"

	"github.com/connexi/connexi-chat/internal/domain"
)

// Log is append-only: entries keep insertion order and are never removed.
type Log struct {
	mu       sync.RWMutex
	messages []domain.ChatMessage
	ids      map[string]struct{}
	welcomed bool
}

// New creates an empty log.
func New() *Log {
	return &Log{ids: make(map[string]struct{})}
}

// Append adds msg at the end. It returns false without changing the log
// if a message with the same id was already appended.
func (l *Log) Append(msg domain.ChatMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(msg)
}

func (l *Log) appendLocked(msg domain.ChatMessage) bool {
	if _, exists := l.ids[msg.ID]; exists {
		return false
	}
	l.ids[msg.ID] = struct{}{}
	l.messages = append(l.messages, msg)
	return true
}

// AppendWelcome adds the greeting only if the log is still empty and no
// greeting was ever added.
func (l *Log) AppendWelcome(msg domain.ChatMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.welcomed || len(l.messages) > 0 {
		return false
	}
	if !l.appendLocked(msg) {
		return false
	}
	l.welcomed = true
	return true
}

// Messages returns a copy of the entries in insertion order.
func (l *Log) Messages() []domain.ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.ChatMessage, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}
