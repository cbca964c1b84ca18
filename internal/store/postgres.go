package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/concierge/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool and
// ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS conversations (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		system_prompt TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT UNIQUE NOT NULL,
		conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		starts_at TIMESTAMPTZ NOT NULL,
		ends_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		due_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	CREATE INDEX IF NOT EXISTS idx_events_user_start ON events(user_id, starts_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id, completed_at);
	`)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateConversation inserts conv and any messages it already carries.
func (s *PostgresStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == uuid.Nil {
		return errors.New("conversation id is required")
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = conv.CreatedAt

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (id, user_id, title, model, system_prompt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, conv.ID, conv.UserID, conv.Title, conv.Model, conv.SystemPrompt, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return err
	}
	if err := insertMessagesPg(ctx, tx, conv.ID, conv.Messages); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetConversation retrieves a conversation owned by userID with its messages
// in order.
func (s *PostgresStore) GetConversation(ctx context.Context, userID string, id uuid.UUID) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, title, model, system_prompt, created_at, updated_at
		FROM conversations WHERE id = $1 AND user_id = $2
	`, id, userID).Scan(
		&conv.ID,
		&conv.UserID,
		&conv.Title,
		&conv.Model,
		&conv.SystemPrompt,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, role, content, created_at
		FROM messages WHERE conversation_id = $1
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conv.Messages = []models.Message{}
	for rows.Next() {
		var msg models.Message
		var role string
		var content []byte
		if err := rows.Scan(&msg.ID, &role, &content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Role = models.Role(role)
		if err := json.Unmarshal(content, &msg.Content); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", msg.ID, err)
		}
		conv.Messages = append(conv.Messages, msg)
	}
	return conv, rows.Err()
}

// AppendMessages adds msgs to the end of a conversation.
func (s *PostgresStore) AppendMessages(ctx context.Context, id uuid.UUID, msgs ...models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`, id, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if err := insertMessagesPg(ctx, tx, id, msgs); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertMessagesPg(ctx context.Context, tx pgx.Tx, convID uuid.UUID, msgs []models.Message) error {
	for _, msg := range msgs {
		content, err := json.Marshal(msg.Content)
		if err != nil {
			return err
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, msg.ID, convID, string(msg.Role), content, msg.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

// ListConversations returns the user's conversations, most recent first,
// without messages.
func (s *PostgresStore) ListConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, title, model, created_at, updated_at
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, userID, listLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := []models.Conversation{}
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.Model, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// CountConversations returns the total number of conversations.
func (s *PostgresStore) CountConversations(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

// ListEvents returns the user's events overlapping [from, to).
func (s *PostgresStore) ListEvents(ctx context.Context, userID string, from, to time.Time) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, title, description, location, starts_at, ends_at, created_at, updated_at
		FROM events
		WHERE user_id = $1 AND starts_at < $3 AND ends_at > $2
		ORDER BY starts_at
	`, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		e, err := scanEventPg(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// CreateEvent inserts e.
func (s *PostgresStore) CreateEvent(ctx context.Context, e *models.Event) error {
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO events (id, user_id, title, description, location, starts_at, ends_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.UserID, e.Title, e.Description, e.Location, e.StartsAt, e.EndsAt, e.CreatedAt, e.UpdatedAt)
	return err
}

// UpdateEvent applies patch to the user's event.
func (s *PostgresStore) UpdateEvent(ctx context.Context, userID, id string, patch models.EventPatch) (*models.Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := scanEventPg(tx.QueryRow(ctx, `
		SELECT id, user_id, title, description, location, starts_at, ends_at, created_at, updated_at
		FROM events WHERE id = $1 AND user_id = $2
		FOR UPDATE
	`, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	updated, err := applyPatch(*current, patch, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE events
		SET title = $3, description = $4, location = $5, starts_at = $6, ends_at = $7, updated_at = $8
		WHERE id = $1 AND user_id = $2
	`, id, userID, updated.Title, updated.Description, updated.Location, updated.StartsAt, updated.EndsAt, updated.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteEvent removes the user's event.
func (s *PostgresStore) DeleteEvent(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM events WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTasks returns the user's tasks, open ones first by due date.
func (s *PostgresStore) ListTasks(ctx context.Context, userID string, includeCompleted bool) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, title, notes, due_at, completed_at, created_at
		FROM tasks
		WHERE user_id = $1 AND ($2 OR completed_at IS NULL)
		ORDER BY completed_at NULLS FIRST, due_at NULLS LAST, created_at
	`, userID, includeCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []models.Task{}
	for rows.Next() {
		t, err := scanTaskPg(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// CreateTask inserts t.
func (s *PostgresStore) CreateTask(ctx context.Context, t *models.Task) error {
	t.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, user_id, title, notes, due_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.UserID, t.Title, t.Notes, t.DueAt, t.CompletedAt, t.CreatedAt)
	return err
}

// CompleteTask marks the user's task done. Completing a done task keeps the
// original completion time.
func (s *PostgresStore) CompleteTask(ctx context.Context, userID, id string) (*models.Task, error) {
	t, err := scanTaskPg(s.pool.QueryRow(ctx, `
		UPDATE tasks SET completed_at = COALESCE(completed_at, $3)
		WHERE id = $1 AND user_id = $2
		RETURNING id, user_id, title, notes, due_at, completed_at, created_at
	`, id, userID, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// DeleteTask removes the user's task.
func (s *PostgresStore) DeleteTask(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEventPg(row pgx.Row) (*models.Event, error) {
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

func scanTaskPg(row pgx.Row) (*models.Task, error) {
	t := &models.Task{}
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.Title,
		&t.Notes,
		&t.DueAt,
		&t.CompletedAt,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}
