// Package session persists and restores the widget's chat session identifier.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/connexi/connexi-chat/internal/domain"
	"github.com/connexi/connexi-chat/internal/store"
	"github.com/jonboulle/clockwork"
)

const (
	// StorageKey is the key the session record is persisted under.
	StorageKey = "conexy_chat_session"
	// MaxAge is how long a persisted session is reused.
	MaxAge = 24 * time.Hour

	suffixLen = 6
)

// Store loads the chat id for the current session, creating one when the
// persisted record is missing, unreadable or older than MaxAge.
type Store struct {
	kv     store.KV
	clock  clockwork.Clock
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// Option customises a Store.
type Option func(*Store)

// WithClock sets the clock used for freshness checks and id generation.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithRand sets the random source for the id suffix.
func WithRand(r *rand.Rand) Option {
	return func(s *Store) { s.rng = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a session store on top of kv.
func NewStore(kv store.KV, opts ...Option) *Store {
	s := &Store{
		kv:     kv,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(uint64(s.clock.Now().UnixNano()), 0x636f6e657879))
	}
	return s
}

// Load returns the chat id of a fresh persisted session or a newly generated one.
// It never fails: storage errors are treated as a cache miss.
func (s *Store) Load(ctx context.Context) string {
	now := s.clock.Now()

	if rec, err := s.read(ctx); err != nil {
		s.logger.Warn("Failed to read saved session", "error", err)
	} else if rec != nil && rec.FreshAt(now, MaxAge) {
		s.logger.Info("Restored chat session", "chat_id", rec.ChatID)
		return rec.ChatID
	}

	chatID := s.newChatID(now)
	rec := domain.SessionRecord{ChatID: chatID, Timestamp: now.UnixMilli()}
	if err := s.write(ctx, rec); err != nil {
		s.logger.Warn("Failed to persist chat session", "chat_id", chatID, "error", err)
	}

	s.logger.Info("Generated new chat session", "chat_id", chatID)
	return chatID
}

func (s *Store) read(ctx context.Context) (*domain.SessionRecord, error) {
	raw, ok, err := s.kv.GetValue(ctx, StorageKey)
	if err != nil {
		return nil, fmt.Errorf("get session record: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var rec domain.SessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("parse session record: %w", err)
	}
	return &rec, nil
}

func (s *Store) write(ctx context.Context, rec domain.SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	return s.kv.SetValue(ctx, StorageKey, string(data))
}

// newChatID returns chat_<epochMillis>_<random6>.
func (s *Store) newChatID(now time.Time) string {
	return fmt.Sprintf("chat_%d_%s", now.UnixMilli(), s.randomSuffix())
}

func (s *Store) randomSuffix() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RandomBase36(s.rng, suffixLen)
}

// RandomBase36 returns n lowercase base-36 characters drawn from r.
// Callers serialise access to r.
func RandomBase36(r *rand.Rand, n int) string {
	buf := make([]byte, 0, n)
	for len(buf) < n {
		buf = strconv.AppendInt(buf, int64(r.IntN(36)), 36)
	}
	return string(buf)
}
