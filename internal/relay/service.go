package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/connexi/connexi-chat/internal/domain"
	"github.com/connexi/connexi-chat/internal/store"
)

// ErrForward wraps failures to hand a user message to the assistant workflow.
var ErrForward = errors.New("forward to assistant failed")

// Publisher pushes stored messages to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, msg domain.InboundMessage) error
}

// ReplyFunc stores and publishes an assistant reply for a chat.
type ReplyFunc func(ctx context.Context, chatID, message string) error

// Forwarder hands a user message to whatever produces the assistant reply.
// Forwarders that answer in-process call reply; remote ones answer later
// through the receive-response endpoint.
type Forwarder interface {
	Forward(ctx context.Context, chatID, message string, reply ReplyFunc) error
}

// Service implements the relay operations shared by the HTTP handlers.
type Service struct {
	repo   store.Repository
	pub    Publisher
	fwd    Forwarder
	logger *slog.Logger
}

// NewService creates a relay service.
func NewService(repo store.Repository, pub Publisher, fwd Forwarder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, pub: pub, fwd: fwd, logger: logger}
}

// Submit stores a user message and forwards it. The stored row is returned
// even when forwarding fails.
func (s *Service) Submit(ctx context.Context, chatID, message string) (*domain.StoredMessage, error) {
	row := &domain.StoredMessage{ChatID: chatID, Message: message, Role: domain.RoleUser}
	if err := s.repo.InsertMessage(ctx, row); err != nil {
		return nil, fmt.Errorf("store user message: %w", err)
	}
	s.logger.Info("User message stored", "chat_id", chatID, "id", row.ID, "message_length", len(message))

	if err := s.fwd.Forward(ctx, chatID, message, s.replyFunc()); err != nil {
		return row, fmt.Errorf("%w: %w", ErrForward, err)
	}
	return row, nil
}

// Receive stores an assistant reply and publishes it to the chat's
// subscribers.
func (s *Service) Receive(ctx context.Context, chatID, message string) (*domain.StoredMessage, error) {
	row := &domain.StoredMessage{ChatID: chatID, Message: message, Role: domain.RoleAssistant}
	if err := s.repo.InsertMessage(ctx, row); err != nil {
		return nil, fmt.Errorf("store assistant message: %w", err)
	}

	if err := s.pub.Publish(ctx, row.Inbound()); err != nil {
		return row, fmt.Errorf("publish assistant message: %w", err)
	}
	s.logger.Info("Assistant message published", "chat_id", chatID, "id", row.ID)
	return row, nil
}

// History returns up to limit stored rows for a chat in insertion order.
func (s *Service) History(ctx context.Context, chatID string, limit int) ([]*domain.StoredMessage, error) {
	rows, err := s.repo.ListMessages(ctx, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return rows, nil
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Close releases the forwarder if it holds resources.
func (s *Service) Close() error {
	if c, ok := s.fwd.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *Service) replyFunc() ReplyFunc {
	return func(ctx context.Context, chatID, message string) error {
		_, err := s.Receive(ctx, chatID, message)
		return err
	}
}
