package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
	sqlite "modernc.org/sqlite"

	"spherechat/internal/chat"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store is the durable backend behind the message/reaction facade. SQLite
// with a single connection: every transaction is serialized, which is what
// makes the per-sphere sequence assignment and reaction toggles atomic.
type Store struct {
	db *sql.DB
}

// ErrNotFound is returned when the addressed message or thread does not
// exist (or is soft-deleted where that matters).
var ErrNotFound = errors.New("not found")

// ErrEmptyMessage is returned when a non-system message carries neither body
// nor attachments.
var ErrEmptyMessage = errors.New("message needs body or attachments")

// ErrThreadExists is returned when creating a thread whose key is already
// taken within the sphere.
var ErrThreadExists = errors.New("thread already exists")

// NewStore opens the SQLite database at the provided path. Call Close when
// done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "spherechat.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			sphere_id TEXT NOT NULL,
			key TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE (sphere_id, key)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sphere_id TEXT NOT NULL,
			thread_id TEXT,
			seq INTEGER NOT NULL,
			author_id TEXT NOT NULL,
			author_name TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			deleted_at DATETIME,
			UNIQUE (sphere_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_page
			ON messages (sphere_id, thread_id, seq);`,
		`CREATE TABLE IF NOT EXISTS attachments (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			url TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			mime_type TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS reactions (
			message_id TEXT NOT NULL,
			emoji TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (message_id, emoji, user_id),
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS thread_reads (
			sphere_id TEXT NOT NULL,
			thread_key TEXT NOT NULL,
			user_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (sphere_id, thread_key, user_id)
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateThread inserts a thread. Threads are managed by the surrounding
// application; the chat core only ever reads them after creation.
func (s *Store) CreateThread(ctx context.Context, sphereID, key, name string) (*chat.Thread, error) {
	now := time.Now().UTC()
	thread := &chat.Thread{
		ID:        uuid.NewString(),
		SphereID:  sphereID,
		Key:       key,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, sphere_id, key, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		thread.ID, sphereID, key, name, now, now)
	if err != nil {
		if isConstraintError(err) {
			return nil, ErrThreadExists
		}
		return nil, err
	}
	return thread, nil
}

// ListThreads returns a sphere's threads in creation order.
func (s *Store) ListThreads(ctx context.Context, sphereID string) ([]chat.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sphere_id, key, name, created_at, updated_at FROM threads WHERE sphere_id = ? ORDER BY created_at ASC, key ASC`,
		sphereID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	threads := make([]chat.Thread, 0)
	for rows.Next() {
		var t chat.Thread
		if err := rows.Scan(&t.ID, &t.SphereID, &t.Key, &t.Name, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// NewMessageInput carries everything the caller decides about a message; the
// store assigns id, sequence and timestamps.
type NewMessageInput struct {
	SphereID    string
	ThreadID    *string
	AuthorID    string
	AuthorName  string
	Kind        chat.MessageKind
	Body        string
	Attachments []chat.Attachment
}

// CreateMessage appends a message to the (sphere, thread) log. The per-sphere
// sequence is assigned inside the transaction, so concurrent creates get
// distinct, strictly-increasing values and the broadcast order matches the
// stored order.
func (s *Store) CreateMessage(ctx context.Context, input NewMessageInput) (*chat.Message, error) {
	if input.Kind != chat.KindSystem && strings.TrimSpace(input.Body) == "" && len(input.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var seq int64
	if err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE sphere_id = ?`,
		input.SphereID).Scan(&seq); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	msg := &chat.Message{
		ID:          uuid.NewString(),
		SphereID:    input.SphereID,
		ThreadID:    input.ThreadID,
		Seq:         seq,
		AuthorID:    input.AuthorID,
		AuthorName:  input.AuthorName,
		Kind:        input.Kind,
		Body:        input.Body,
		Attachments: make([]chat.Attachment, 0, len(input.Attachments)),
		Reactions:   []chat.Reaction{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, sphere_id, thread_id, seq, author_id, author_name, kind, body, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SphereID, nullableString(msg.ThreadID), seq, msg.AuthorID, msg.AuthorName, string(msg.Kind), msg.Body, now, now); err != nil {
		return nil, err
	}
	for _, att := range input.Attachments {
		stored := chat.Attachment{
			ID:        uuid.NewString(),
			MessageID: msg.ID,
			Kind:      att.Kind,
			URL:       att.URL,
			Name:      att.Name,
			Size:      att.Size,
			MimeType:  att.MimeType,
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO attachments (id, message_id, kind, url, name, size, mime_type) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			stored.ID, stored.MessageID, stored.Kind, stored.URL, stored.Name, stored.Size, stored.MimeType); err != nil {
			return nil, err
		}
		msg.Attachments = append(msg.Attachments, stored)
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

// MessagePage is one backward page of a (sphere, thread) log, ascending by
// sequence. NextCursor addresses the next older page, empty when exhausted.
type MessagePage struct {
	Messages   []chat.Message
	NextCursor string
}

// ListMessages returns up to limit messages strictly older than cursor (the
// newest page when cursor is empty), ascending. Soft-deleted rows are
// skipped. Because the cursor is a sequence boundary, concurrent appends at
// the live end never shift or duplicate pages already handed out.
func (s *Store) ListMessages(ctx context.Context, sphereID string, threadID *string, cursor string, limit int) (*MessagePage, error) {
	if limit <= 0 {
		limit = 30
	}
	var before int64 = 0
	if cursor != "" {
		seq, err := DecodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		before = seq
	}

	query := `SELECT id, sphere_id, thread_id, seq, author_id, author_name, kind, body, created_at, updated_at, deleted_at
		FROM messages
		WHERE sphere_id = ? AND deleted_at IS NULL`
	args := []any{sphereID}
	if threadID == nil {
		query += ` AND thread_id IS NULL`
	} else {
		query += ` AND thread_id = ?`
		args = append(args, *threadID)
	}
	if before > 0 {
		query += ` AND seq < ?`
		args = append(args, before)
	}
	// One extra row tells us whether an older page exists.
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	descending := make([]chat.Message, 0, limit+1)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		descending = append(descending, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &MessagePage{Messages: make([]chat.Message, 0, limit)}
	hasMore := len(descending) > limit
	if hasMore {
		descending = descending[:limit]
	}
	for i := len(descending) - 1; i >= 0; i-- {
		page.Messages = append(page.Messages, descending[i])
	}
	if hasMore && len(page.Messages) > 0 {
		page.NextCursor = EncodeCursor(page.Messages[0].Seq)
	}
	if err := s.attachRelations(ctx, page.Messages); err != nil {
		return nil, err
	}
	return page, nil
}

// GetMessage fetches one message with its reactions and attachments.
func (s *Store) GetMessage(ctx context.Context, sphereID, messageID string) (*chat.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sphere_id, thread_id, seq, author_id, author_name, kind, body, created_at, updated_at, deleted_at
		 FROM messages WHERE id = ? AND sphere_id = ?`, messageID, sphereID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	single := []chat.Message{*msg}
	if err := s.attachRelations(ctx, single); err != nil {
		return nil, err
	}
	return &single[0], nil
}

// SoftDeleteMessage marks the message deleted, keeping the row (and its
// sequence slot) so cursors stay stable. Returns the thread id for the
// delete broadcast.
func (s *Store) SoftDeleteMessage(ctx context.Context, sphereID, messageID string) (*string, error) {
	var threadID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id FROM messages WHERE id = ? AND sphere_id = ? AND deleted_at IS NULL`,
		messageID, sphereID).Scan(&threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE messages SET deleted_at = ?, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), time.Now().UTC(), messageID); err != nil {
		return nil, err
	}
	return nullStringPtr(threadID), nil
}

// UpsertReaction applies a reaction mutation against the authoritative rows
// and reports what actually happened. The transaction plus the primary key
// on (message_id, emoji, user_id) serializes concurrent toggles for the same
// key, so two racing sessions settle on alternating add/remove rather than
// duplicates. The returned op, not the requested one, is what gets
// broadcast.
func (s *Store) UpsertReaction(ctx context.Context, sphereID, messageID, emoji, userID string, op chat.ReactionOp) (applied chat.ReactionOp, threadID *string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var rawThread sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT thread_id FROM messages WHERE id = ? AND sphere_id = ? AND deleted_at IS NULL`,
		messageID, sphereID).Scan(&rawThread)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	threadID = nullStringPtr(rawThread)

	var existing int
	if err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM reactions WHERE message_id = ? AND emoji = ? AND user_id = ?`,
		messageID, emoji, userID).Scan(&existing); err != nil {
		return "", nil, err
	}

	switch {
	case op == chat.OpRemove, op == chat.OpToggle && existing > 0:
		if _, err = tx.ExecContext(ctx,
			`DELETE FROM reactions WHERE message_id = ? AND emoji = ? AND user_id = ?`,
			messageID, emoji, userID); err != nil {
			return "", nil, err
		}
		applied = chat.OpRemove
	default:
		if _, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO reactions (message_id, emoji, user_id, created_at) VALUES (?, ?, ?, ?)`,
			messageID, emoji, userID, time.Now().UTC()); err != nil {
			return "", nil, err
		}
		applied = chat.OpAdd
	}
	if err = tx.Commit(); err != nil {
		return "", nil, err
	}
	return applied, threadID, nil
}

// MarkRead records the user's latest read position for a thread.
func (s *Store) MarkRead(ctx context.Context, sphereID string, threadID *string, userID, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_reads (sphere_id, thread_key, user_id, message_id, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (sphere_id, thread_key, user_id) DO UPDATE SET message_id = excluded.message_id, updated_at = excluded.updated_at`,
		sphereID, chat.ThreadKey(threadID), userID, messageID, time.Now().UTC())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*chat.Message, error) {
	var msg chat.Message
	var threadID sql.NullString
	var deletedAt sql.NullTime
	var kind string
	if err := row.Scan(&msg.ID, &msg.SphereID, &threadID, &msg.Seq, &msg.AuthorID, &msg.AuthorName,
		&kind, &msg.Body, &msg.CreatedAt, &msg.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	msg.ThreadID = nullStringPtr(threadID)
	msg.Kind = chat.MessageKind(kind)
	if deletedAt.Valid {
		t := deletedAt.Time
		msg.DeletedAt = &t
	}
	msg.Attachments = []chat.Attachment{}
	msg.Reactions = []chat.Reaction{}
	return &msg, nil
}

// attachRelations fills reactions and attachments for a page of messages in
// two queries instead of 2N.
func (s *Store) attachRelations(ctx context.Context, messages []chat.Message) error {
	if len(messages) == 0 {
		return nil
	}
	index := make(map[string]*chat.Message, len(messages))
	placeholders := make([]string, 0, len(messages))
	ids := make([]any, 0, len(messages))
	for i := range messages {
		index[messages[i].ID] = &messages[i]
		placeholders = append(placeholders, "?")
		ids = append(ids, messages[i].ID)
	}
	in := strings.Join(placeholders, ", ")

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, emoji, user_id FROM reactions WHERE message_id IN (`+in+`) ORDER BY created_at ASC`, ids...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var messageID string
		var reaction chat.Reaction
		if err := rows.Scan(&messageID, &reaction.Emoji, &reaction.UserID); err != nil {
			return err
		}
		if msg := index[messageID]; msg != nil {
			msg.Reactions = append(msg.Reactions, reaction)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	attRows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, kind, url, name, size, mime_type FROM attachments WHERE message_id IN (`+in+`)`, ids...)
	if err != nil {
		return err
	}
	defer attRows.Close()
	for attRows.Next() {
		var att chat.Attachment
		if err := attRows.Scan(&att.ID, &att.MessageID, &att.Kind, &att.URL, &att.Name, &att.Size, &att.MimeType); err != nil {
			return err
		}
		if msg := index[att.MessageID]; msg != nil {
			msg.Attachments = append(msg.Attachments, att)
		}
	}
	return attRows.Err()
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteConstraintCode
	}
	return false
}
