package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/concierge/internal/models"
)

// SQLiteStore handles SQLite database operations. Timestamps are written in
// UTC so range comparisons on the stored text stay ordered.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/concierge.db". ":memory:" opens a
// private in-memory database.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/concierge.db"
	}

	dsn := dbPath + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	if dbPath == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on"
	} else if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		system_prompt TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		starts_at DATETIME NOT NULL,
		ends_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		due_at DATETIME,
		completed_at DATETIME,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	CREATE INDEX IF NOT EXISTS idx_events_user_start ON events(user_id, starts_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id, completed_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateConversation inserts conv and any messages it already carries.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == uuid.Nil {
		return errors.New("conversation id is required")
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	conv.UpdatedAt = conv.CreatedAt

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, model, system_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, conv.ID.String(), conv.UserID, conv.Title, conv.Model, conv.SystemPrompt, conv.CreatedAt.UTC(), conv.UpdatedAt.UTC())
	if err != nil {
		return err
	}
	if err := insertMessagesSQLite(ctx, tx, conv.ID, conv.Messages); err != nil {
		return err
	}
	return tx.Commit()
}

// GetConversation retrieves a conversation owned by userID with its messages
// in order.
func (s *SQLiteStore) GetConversation(ctx context.Context, userID string, id uuid.UUID) (*models.Conversation, error) {
	conv := &models.Conversation{ID: id}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, title, model, system_prompt, created_at, updated_at
		FROM conversations WHERE id = ? AND user_id = ?
	`, id.String(), userID).Scan(
		&conv.UserID,
		&conv.Title,
		&conv.Model,
		&conv.SystemPrompt,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY seq
	`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conv.Messages = []models.Message{}
	for rows.Next() {
		var msg models.Message
		var role, content string
		if err := rows.Scan(&msg.ID, &role, &content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Role = models.Role(role)
		if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", msg.ID, err)
		}
		conv.Messages = append(conv.Messages, msg)
	}
	return conv, rows.Err()
}

// AppendMessages adds msgs to the end of a conversation.
func (s *SQLiteStore) AppendMessages(ctx context.Context, id uuid.UUID, msgs ...models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := insertMessagesSQLite(ctx, tx, id, msgs); err != nil {
		return err
	}
	return tx.Commit()
}

func insertMessagesSQLite(ctx context.Context, tx *sql.Tx, convID uuid.UUID, msgs []models.Message) error {
	for _, msg := range msgs {
		content, err := json.Marshal(msg.Content)
		if err != nil {
			return err
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, msg.ID, convID.String(), string(msg.Role), string(content), msg.CreatedAt.UTC())
		if err != nil {
			return err
		}
	}
	return nil
}

// ListConversations returns the user's conversations, most recent first,
// without messages.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, model, created_at, updated_at
		FROM conversations
		WHERE user_id = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`, userID, listLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := []models.Conversation{}
	for rows.Next() {
		var c models.Conversation
		var idStr string
		if err := rows.Scan(&idStr, &c.UserID, &c.Title, &c.Model, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if c.ID, err = uuid.Parse(idStr); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// CountConversations returns the total number of conversations.
func (s *SQLiteStore) CountConversations(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

// ListEvents returns the user's events overlapping [from, to).
func (s *SQLiteStore) ListEvents(ctx context.Context, userID string, from, to time.Time) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, description, location, starts_at, ends_at, created_at, updated_at
		FROM events
		WHERE user_id = ? AND starts_at < ? AND ends_at > ?
		ORDER BY starts_at
	`, userID, to.UTC(), from.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		e, err := scanEventSQLite(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// CreateEvent inserts e.
func (s *SQLiteStore) CreateEvent(ctx context.Context, e *models.Event) error {
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, user_id, title, description, location, starts_at, ends_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.Title, e.Description, e.Location, e.StartsAt.UTC(), e.EndsAt.UTC(), now, now)
	return err
}

// UpdateEvent applies patch to the user's event.
func (s *SQLiteStore) UpdateEvent(ctx context.Context, userID, id string, patch models.EventPatch) (*models.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := scanEventSQLite(tx.QueryRowContext(ctx, `
		SELECT id, user_id, title, description, location, starts_at, ends_at, created_at, updated_at
		FROM events WHERE id = ? AND user_id = ?
	`, id, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	updated, err := applyPatch(*current, patch, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE events
		SET title = ?, description = ?, location = ?, starts_at = ?, ends_at = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, updated.Title, updated.Description, updated.Location, updated.StartsAt.UTC(), updated.EndsAt.UTC(), updated.UpdatedAt, id, userID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteEvent removes the user's event.
func (s *SQLiteStore) DeleteEvent(ctx context.Context, userID, id string) error {
	return s.deleteOwned(ctx, `DELETE FROM events WHERE id = ? AND user_id = ?`, id, userID)
}

// ListTasks returns the user's tasks, open ones first by due date.
func (s *SQLiteStore) ListTasks(ctx context.Context, userID string, includeCompleted bool) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, notes, due_at, completed_at, created_at
		FROM tasks
		WHERE user_id = ? AND (? OR completed_at IS NULL)
		ORDER BY completed_at IS NOT NULL, due_at IS NULL, due_at, created_at
	`, userID, includeCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []models.Task{}
	for rows.Next() {
		t, err := scanTaskSQLite(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// CreateTask inserts t.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *models.Task) error {
	t.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, user_id, title, notes, due_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.Title, t.Notes, utcPtr(t.DueAt), utcPtr(t.CompletedAt), t.CreatedAt)
	return err
}

// CompleteTask marks the user's task done. Completing a done task keeps the
// original completion time.
func (s *SQLiteStore) CompleteTask(ctx context.Context, userID, id string) (*models.Task, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET completed_at = COALESCE(completed_at, ?)
		WHERE id = ? AND user_id = ?
	`, time.Now().UTC(), id, userID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return scanTaskSQLite(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, notes, due_at, completed_at, created_at
		FROM tasks WHERE id = ? AND user_id = ?
	`, id, userID))
}

// DeleteTask removes the user's task.
func (s *SQLiteStore) DeleteTask(ctx context.Context, userID, id string) error {
	return s.deleteOwned(ctx, `DELETE FROM tasks WHERE id = ? AND user_id = ?`, id, userID)
}

func (s *SQLiteStore) deleteOwned(ctx context.Context, query, id, userID string) error {
	res, err := s.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEventSQLite(row scanner) (*models.Event, error) {
	e := &models.Event{}
	err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.Title,
		&e.Description,
		&e.Location,
		&e.StartsAt,
		&e.EndsAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func scanTaskSQLite(row scanner) (*models.Task, error) {
	t := &models.Task{}
	var due, completed sql.NullTime
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.Title,
		&t.Notes,
		&due,
		&completed,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if due.Valid {
		t.DueAt = &due.Time
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	return t, nil
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
