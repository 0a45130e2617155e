// Package sqlite implements corewire.ChatHistoryStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/corewire"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs when it opens, initializes, loads
// history (with timing and row counts) and clears history; appends are not
// logged. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithHistoryLimit caps how many messages LoadHistory returns per
// conversation when the Monitor doesn't request an explicit limit.
func WithHistoryLimit(n int) StoreOption {
	return func(s *Store) { s.defaultLimit = n }
}

// Store implements corewire.ChatHistoryStore backed by a local SQLite file.
// Each conversation's messages are keyed by the ConversationKey's three
// components rather than a single opaque thread ID, mirroring the
// Monitor's own indexing.
type Store struct {
	db           *sql.DB
	logger       *slog.Logger
	defaultLimit int
}

var _ corewire.ChatHistoryStore = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Open creates a Store using a local SQLite file at dbPath and runs its
// schema migration. It opens a single shared connection pool with
// SetMaxOpenConns(1) so that all goroutines serialize through one
// connection, eliminating SQLITE_BUSY errors caused by concurrent writers
// opening independent connections.
func Open(ctx context.Context, dbPath string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open driver: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger, defaultLimit: 40}
	for _, o := range opts {
		o(s)
	}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS chat_history (
			chat_id     TEXT NOT NULL,
			thread_id   TEXT NOT NULL,
			agent_id    TEXT NOT NULL,
			seq         INTEGER NOT NULL,
			role        TEXT NOT NULL,
			content     TEXT NOT NULL,
			tool_calls  TEXT,
			tool_call_id TEXT,
			metadata    TEXT,
			created_at  INTEGER NOT NULL,
			PRIMARY KEY (chat_id, thread_id, agent_id, seq)
		)`)
	if err != nil {
		return fmt.Errorf("sqlite: create chat_history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_chat_history_key
		ON chat_history (chat_id, thread_id, agent_id, seq)`)
	if err != nil {
		return fmt.Errorf("sqlite: create index: %w", err)
	}
	s.logger.Debug("sqlite: init done", "elapsed", time.Since(start))
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadHistory returns up to limit most recent messages for key, oldest
// first. A limit of 0 falls back to the Store's configured default.
func (s *Store) LoadHistory(ctx context.Context, key corewire.ConversationKey, limit int) ([]corewire.ChatMessage, error) {
	start := time.Now()
	if limit <= 0 {
		limit = s.defaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tool_calls, tool_call_id, metadata
		FROM chat_history
		WHERE chat_id = ? AND thread_id = ? AND agent_id = ?
		ORDER BY seq DESC
		LIMIT ?`, key.ChatID, key.ThreadID, key.AgentID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load history: %w", err)
	}
	defer rows.Close()

	var reversed []corewire.ChatMessage
	for rows.Next() {
		var msg corewire.ChatMessage
		var toolCalls, metadata sql.NullString
		if err := rows.Scan(&msg.Role, &msg.Content, &toolCalls, &msg.ToolCallID, &metadata); err != nil {
			return nil, fmt.Errorf("sqlite: scan history row: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("sqlite: decode tool_calls: %w", err)
			}
		}
		if metadata.Valid && metadata.String != "" {
			msg.Metadata = json.RawMessage(metadata.String)
		}
		reversed = append(reversed, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate history: %w", err)
	}

	messages := make([]corewire.ChatMessage, len(reversed))
	for i, m := range reversed {
		messages[len(reversed)-1-i] = m
	}
	s.logger.Debug("sqlite: loaded history", "key", key.String(), "count", len(messages), "elapsed", time.Since(start))
	return messages, nil
}

// AppendHistory persists one or more messages for key in order, assigning
// each the next sequence number after whatever is already stored.
func (s *Store) AppendHistory(ctx context.Context, key corewire.ConversationKey, messages ...corewire.ChatMessage) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin append: %w", err)
	}
	defer tx.Rollback()

	var nextSeq int64
	row := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), -1) + 1 FROM chat_history
		WHERE chat_id = ? AND thread_id = ? AND agent_id = ?`,
		key.ChatID, key.ThreadID, key.AgentID)
	if err := row.Scan(&nextSeq); err != nil {
		return fmt.Errorf("sqlite: next seq: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chat_history
			(chat_id, thread_id, agent_id, seq, role, content, tool_calls, tool_call_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()

	now := corewire.NowUnix()
	for i, msg := range messages {
		var toolCalls string
		if len(msg.ToolCalls) > 0 {
			b, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("sqlite: encode tool_calls: %w", err)
			}
			toolCalls = string(b)
		}
		var metadata string
		if len(msg.Metadata) > 0 {
			metadata = string(msg.Metadata)
		}
		if _, err := stmt.ExecContext(ctx, key.ChatID, key.ThreadID, key.AgentID, nextSeq+int64(i),
			msg.Role, msg.Content, toolCalls, msg.ToolCallID, metadata, now); err != nil {
			return fmt.Errorf("sqlite: insert message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit append: %w", err)
	}
	return nil
}

// Clear deletes every stored message for key, implementing the /clear
// command's history wipe.
func (s *Store) Clear(ctx context.Context, key corewire.ConversationKey) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM chat_history WHERE chat_id = ? AND thread_id = ? AND agent_id = ?`,
		key.ChatID, key.ThreadID, key.AgentID)
	if err != nil {
		return fmt.Errorf("sqlite: clear history: %w", err)
	}
	s.logger.Debug("sqlite: cleared history", "key", key.String())
	return nil
}
