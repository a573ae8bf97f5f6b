package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/connexi/connexi-chat/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Repository on a Supabase/PostgreSQL chat_messages table.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

var _ Repository = (*PostgresStore)(nil)

// NewPostgres connects to databaseURL and ensures the messages table exists.
// The table name is prefixed with tablePrefix (e.g. "dev_").
func NewPostgres(ctx context.Context, databaseURL, tablePrefix string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1

	// Supabase transaction pooler (6543) does not support prepared statements.
	if cfg.ConnConfig.Port == 6543 && cfg.ConnConfig.DefaultQueryExecMode == pgx.QueryExecModeCacheStatement {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheDescribe
		slog.Debug("Using cache_describe exec mode for PgBouncer", "port", 6543)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, table: tablePrefix + "chat_messages"}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		seq BIGSERIAL PRIMARY KEY,
		id UUID NOT NULL UNIQUE,
		chat_id TEXT NOT NULL,
		message TEXT NOT NULL,
		role TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS %[1]s_chat_idx ON %[1]s (chat_id, seq);`, s.table)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InsertMessage stores a message row.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg *domain.StoredMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, chat_id, message, role, created_at) VALUES ($1, $2, $3, $4, $5)`, s.table)
	if _, err := s.pool.Exec(ctx, query, msg.ID, msg.ChatID, msg.Message, string(msg.Role), msg.CreatedAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns stored rows for a chat in insertion order.
func (s *PostgresStore) ListMessages(ctx context.Context, chatID string, limit int) ([]*domain.StoredMessage, error) {
	query := fmt.Sprintf(`
		SELECT id::text, chat_id, message, role, created_at FROM (
			SELECT seq, id, chat_id, message, role, created_at
			FROM %s WHERE chat_id = $1 ORDER BY seq DESC LIMIT $2
		) recent ORDER BY seq ASC`, s.table)

	var limitArg interface{}
	if limit > 0 {
		limitArg = limit
	}

	rows, err := s.pool.Query(ctx, query, chatID, limitArg)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*domain.StoredMessage
	for rows.Next() {
		var msg domain.StoredMessage
		var role string
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Message, &role, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Role = domain.Role(role)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// DeleteMessagesBefore removes rows created before cutoff.
func (s *PostgresStore) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, s.table), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
