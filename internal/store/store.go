// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/connexi/connexi-chat/internal/domain"
)

// Repository persists relay message rows.
type Repository interface {
	// InsertMessage stores a message row. Empty ID and zero CreatedAt are
	// filled in before the insert and written back to msg.
	InsertMessage(ctx context.Context, msg *domain.StoredMessage) error

	// ListMessages returns up to limit rows for a chat in insertion order.
	// A limit <= 0 returns every row.
	ListMessages(ctx context.Context, chatID string, limit int) ([]*domain.StoredMessage, error)

	// DeleteMessagesBefore removes rows created before cutoff.
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// KV is a small key-value store used for client-side session persistence.
type KV interface {
	// GetValue returns the value stored under key and whether it was present.
	GetValue(ctx context.Context, key string) (string, bool, error)

	// SetValue creates or replaces the value stored under key.
	SetValue(ctx context.Context, key, value string) error
}
