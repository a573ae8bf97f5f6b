// Package domain contains core domain types for the Connexi chat widget.
package domain

import (
	"fmt"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	// RoleUser marks messages typed by the visitor.
	RoleUser Role = "user"
	// RoleAssistant marks messages produced by the assistant.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ChatMessage is a single entry of the widget's message log.
type ChatMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessageID builds an id namespaced by role and generation time,
// e.g. "user-1718000000000-k3j9x0a1".
func NewMessageID(role Role, at time.Time, suffix string) string {
	return fmt.Sprintf("%s-%d-%s", role, at.UnixMilli(), suffix)
}

// WelcomeMessageID returns the id used for the greeting injected on first connect.
func WelcomeMessageID(at time.Time) string {
	return fmt.Sprintf("welcome-%d", at.UnixMilli())
}

// InboundMessage is the payload pushed by the relay when a row is stored.
// Delivery is at-least-once; consumers deduplicate on ID.
type InboundMessage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Message   string    `json:"message"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatMessage converts the pushed payload into a log entry.
func (m InboundMessage) ChatMessage() ChatMessage {
	return ChatMessage{
		ID:        m.ID,
		Content:   m.Message,
		Role:      m.Role,
		Timestamp: m.CreatedAt,
	}
}

// StoredMessage is a persisted relay row.
type StoredMessage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Message   string    `json:"message"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Inbound converts a stored row into the push payload.
func (m *StoredMessage) Inbound() InboundMessage {
	return InboundMessage{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Message:   m.Message,
		Role:      m.Role,
		CreatedAt: m.CreatedAt,
	}
}
