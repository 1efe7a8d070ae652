// ABOUTME: SQLite implementation of the Archive interface using modernc.org/sqlite
// ABOUTME: Transactional sequence assignment keeps per-conversation timelines gap-free

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteArchive implements the Archive interface using SQLite.
type SQLiteArchive struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteArchive creates a new SQLite archive at the given path.
// The schema is created automatically; parent directories are created if
// needed. Pass ":memory:" for an in-memory archive.
func NewSQLiteArchive(path string) (*SQLiteArchive, error) {
	logger := slog.Default().With("component", "archive")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating archive directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each pooled connection would get its own in-memory database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	a := &SQLiteArchive{
		db:     db,
		logger: logger,
	}

	if err := a.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite archive initialized", "path", path)
	return a, nil
}

// createSchema creates the database tables if they don't exist.
func (a *SQLiteArchive) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id           TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			state        TEXT NOT NULL,
			last_seq     INTEGER NOT NULL DEFAULT 0,
			created_at   DATETIME NOT NULL,
			updated_at   DATETIME NOT NULL,

			PRIMARY KEY (workspace_id, id),
			CHECK (state IN ('created', 'running', 'awaiting_input', 'finished', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_id
			ON conversations(id);

		CREATE TABLE IF NOT EXISTS events (
			workspace_id    TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			timestamp       DATETIME NOT NULL,
			kind            TEXT NOT NULL,
			payload         TEXT,

			PRIMARY KEY (workspace_id, conversation_id, seq),
			FOREIGN KEY (workspace_id, conversation_id)
				REFERENCES conversations(workspace_id, id),

			CHECK (kind IN ('user_message', 'agent_action', 'observation', 'error', 'lifecycle'))
		);
	`

	_, err := a.db.Exec(schema)
	return err
}

// CreateConversation inserts a new conversation record.
// Returns ErrDuplicateConversation if the (workspace, id) pair exists.
func (a *SQLiteArchive) CreateConversation(ctx context.Context, conv *Conversation) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO conversations (id, workspace_id, state, last_seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.WorkspaceID, conv.State, conv.LastSeq,
		conv.CreatedAt.UTC(), conv.UpdatedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "PRIMARY KEY constraint") {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("creating conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation within its workspace.
func (a *SQLiteArchive) GetConversation(ctx context.Context, workspaceID, conversationID string) (*Conversation, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, state, last_seq, created_at, updated_at
		FROM conversations
		WHERE workspace_id = ? AND id = ?`,
		workspaceID, conversationID,
	)
	return scanConversation(row)
}

// GetConversationByID resolves a conversation id without knowing its
// workspace. Conversation ids are globally unique in practice (generated),
// so a bare lookup is unambiguous.
func (a *SQLiteArchive) GetConversationByID(ctx context.Context, conversationID string) (*Conversation, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, state, last_seq, created_at, updated_at
		FROM conversations
		WHERE id = ?
		LIMIT 1`,
		conversationID,
	)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var conv Conversation
	err := row.Scan(&conv.ID, &conv.WorkspaceID, &conv.State, &conv.LastSeq,
		&conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	return &conv, nil
}

// UpdateConversationState transitions a conversation's persisted state.
func (a *SQLiteArchive) UpdateConversationState(ctx context.Context, workspaceID, conversationID, state string) error {
	result, err := a.db.ExecContext(ctx, `
		UPDATE conversations
		SET state = ?, updated_at = ?
		WHERE workspace_id = ? AND id = ?`,
		state, time.Now().UTC(), workspaceID, conversationID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendEvent durably appends an event, assigning the next sequence number
// for its conversation. The read-increment-insert runs in one transaction so
// sequences stay gap-free even under concurrent appends.
func (a *SQLiteArchive) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	var lastSeq int64
	err = tx.QueryRowContext(ctx, `
		SELECT last_seq FROM conversations
		WHERE workspace_id = ? AND id = ?`,
		event.WorkspaceID, event.ConversationID,
	).Scan(&lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading last sequence: %w", err)
	}

	event.Seq = lastSeq + 1
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (workspace_id, conversation_id, seq, timestamp, kind, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.WorkspaceID, event.ConversationID, event.Seq,
		event.Timestamp.UTC(), event.Kind, string(event.Payload),
	); err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_seq = ?, updated_at = ?
		WHERE workspace_id = ? AND id = ?`,
		event.Seq, time.Now().UTC(), event.WorkspaceID, event.ConversationID,
	); err != nil {
		return fmt.Errorf("advancing conversation sequence: %w", err)
	}

	return tx.Commit()
}

// ListEvents returns archived events with seq >= fromSeq in sequence order.
func (a *SQLiteArchive) ListEvents(ctx context.Context, workspaceID, conversationID string, fromSeq int64, limit int) ([]*Event, error) {
	query := `
		SELECT workspace_id, conversation_id, seq, timestamp, kind, payload
		FROM events
		WHERE workspace_id = ? AND conversation_id = ? AND seq >= ?
		ORDER BY seq ASC`
	args := []any{workspaceID, conversationID, fromSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		var payload string
		if err := rows.Scan(&ev.WorkspaceID, &ev.ConversationID, &ev.Seq,
			&ev.Timestamp, &ev.Kind, &payload); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if payload != "" {
			ev.Payload = []byte(payload)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// Close closes the underlying database.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}
