package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT UNIQUE,
    username TEXT UNIQUE,
    is_admin INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    last_active INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    title TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS configs (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL
);`

var (
	conversationColumns = []string{
		"id", "user_id", "title", "created_at", "updated_at",
		"(SELECT COUNT(*) FROM messages WHERE messages.conversation_id = conversations.id)",
		"(SELECT MAX(created_at) FROM messages WHERE messages.conversation_id = conversations.id)",
	}
	messageColumns      = []string{"id", "conversation_id", "role", "content", "created_at"}
	userColumns         = []string{"id", "session_id", "username", "is_admin", "created_at", "last_active"}
)

// SQLiteStore is a Store backed by a SQLite database file.
// Timestamps are stored as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
	b  *entsql.DialectBuilder
}

// NewSQLiteStore opens (creating if needed) the database at path.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection keeps ":memory:" databases coherent and
	// serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{
		db: db,
		b:  entsql.Dialect(dialect.SQLite),
	}, nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, userID int64, title string) (*Conversation, error) {
	if title == "" {
		title = DefaultTitle
	}

	exists, err := s.exists(ctx, "users", entsql.EQ("id", userID))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound{Entity: "user", ID: userID}
	}

	now := time.Now().UTC()
	query, args := s.b.Insert("conversations").
		Columns("user_id", "title", "created_at", "updated_at").
		Values(userID, title, now.UnixNano(), now.UnixNano()).
		Query()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	return &Conversation{
		ID:        id,
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) GetOwned(ctx context.Context, conversationID int64, ownerID *int64) (*Conversation, error) {
	pred := entsql.EQ("id", conversationID)
	if ownerID != nil {
		pred = entsql.And(pred, entsql.EQ("user_id", *ownerID))
	}

	query, args := s.b.Select(conversationColumns...).
		From(s.b.Table("conversations")).
		Where(pred).
		Query()

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound{Entity: "conversation", ID: conversationID}
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	return conv, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, userID int64, limit int) ([]*Conversation, error) {
	selector := s.b.Select(conversationColumns...).
		From(s.b.Table("conversations")).
		Where(entsql.EQ("user_id", userID)).
		OrderBy(entsql.Desc("updated_at"), entsql.Desc("id"))
	if limit > 0 {
		selector = selector.Limit(limit)
	}
	query, args := selector.Query()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	convs := make([]*Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}

	return convs, rows.Err()
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID, ownerID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	query, args := s.b.Delete("conversations").
		Where(entsql.And(entsql.EQ("id", conversationID), entsql.EQ("user_id", ownerID))).
		Query()
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound{Entity: "conversation", ID: conversationID}
	}

	// The foreign key cascades too; the explicit delete keeps databases
	// opened without foreign_keys consistent.
	query, args = s.b.Delete("messages").Where(entsql.EQ("conversation_id", conversationID)).Query()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) SetTitle(ctx context.Context, conversationID int64, title string) error {
	query, args := s.b.Update("conversations").
		Set("title", title).
		Set("updated_at", time.Now().UTC().UnixNano()).
		Where(entsql.EQ("id", conversationID)).
		Query()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound{Entity: "conversation", ID: conversationID}
	}

	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, conversationID int64, role, content string) (*Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return nil, errors.New("invalid message role: " + role)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	query, args := s.b.Select("MAX(created_at)").
		From(s.b.Table("messages")).
		Where(entsql.EQ("conversation_id", conversationID)).
		Query()
	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&last); err != nil {
		return nil, fmt.Errorf("read last message time: %w", err)
	}

	created := time.Now().UTC().UnixNano()
	if last.Valid && created <= last.Int64 {
		created = last.Int64 + int64(time.Microsecond)
	}

	query, args = s.b.Update("conversations").
		Set("updated_at", created).
		Where(entsql.EQ("id", conversationID)).
		Query()
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound{Entity: "conversation", ID: conversationID}
	}

	query, args = s.b.Insert("messages").
		Columns("conversation_id", "role", "content", "created_at").
		Values(conversationID, role, content, created).
		Query()
	res, err = tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}

	return &Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Unix(0, created).UTC(),
	}, nil
}

func (s *SQLiteStore) CountMessages(ctx context.Context, conversationID int64) (int, error) {
	query, args := s.b.Select("COUNT(*)").
		From(s.b.Table("messages")).
		Where(entsql.EQ("conversation_id", conversationID)).
		Query()

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}

	return n, nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]*Message, error) {
	selector := s.b.Select(messageColumns...).
		From(s.b.Table("messages")).
		Where(entsql.EQ("conversation_id", conversationID)).
		OrderBy(entsql.Desc("created_at"), entsql.Desc("id"))
	if limit > 0 {
		selector = selector.Limit(limit)
	}
	query, args := selector.Query()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]*Message, 0)
	for rows.Next() {
		var (
			msg     Message
			created int64
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.CreatedAt = time.Unix(0, created).UTC()
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest first from the query; callers want ascending.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	return msgs, nil
}

func (s *SQLiteStore) GetConfig(ctx context.Context, key, def string) (string, error) {
	query, args := s.b.Select("value").
		From(s.b.Table("configs")).
		Where(entsql.EQ("key", key)).
		Query()

	var value string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("get config %s: %w", key, err)
	}

	return value, nil
}

func (s *SQLiteStore) SetConfig(ctx context.Context, key, value, description string) error {
	now := time.Now().UTC().UnixNano()

	update := s.b.Update("configs").
		Set("value", value).
		Set("updated_at", now)
	if description != "" {
		update = update.Set("description", description)
	}
	query, args := update.Where(entsql.EQ("key", key)).Query()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	query, args = s.b.Insert("configs").
		Columns("key", "value", "description", "updated_at").
		Values(key, value, description, now).
		Query()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert config %s: %w", key, err)
	}

	return nil
}

func (s *SQLiteStore) UserBySession(ctx context.Context, sessionID string) (*User, error) {
	if sessionID == "" {
		return nil, errors.New("empty session id")
	}

	now := time.Now().UTC()

	query, args := s.b.Update("users").
		Set("last_active", now.UnixNano()).
		Where(entsql.EQ("session_id", sessionID)).
		Query()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("touch user: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		query, args = s.b.Insert("users").
			Columns("session_id", "is_admin", "created_at", "last_active").
			Values(sessionID, 0, now.UnixNano(), now.UnixNano()).
			Query()
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
	}

	query, args = s.b.Select(userColumns...).
		From(s.b.Table("users")).
		Where(entsql.EQ("session_id", sessionID)).
		Query()

	var (
		user              User
		session, name     sql.NullString
		admin             int
		created, lastSeen int64
	)
	err = s.db.QueryRowContext(ctx, query, args...).
		Scan(&user.ID, &session, &name, &admin, &created, &lastSeen)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	user.SessionID = session.String
	user.Username = name.String
	user.IsAdmin = admin != 0
	user.CreatedAt = time.Unix(0, created).UTC()
	user.LastActive = time.Unix(0, lastSeen).UTC()

	return &user, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) exists(ctx context.Context, table string, pred *entsql.Predicate) (bool, error) {
	query, args := s.b.Select("COUNT(*)").
		From(s.b.Table(table)).
		Where(pred).
		Query()

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("check %s: %w", table, err)
	}

	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		conv             Conversation
		created, updated int64
		lastMessage      sql.NullInt64
	)
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &created, &updated, &conv.MessageCount, &lastMessage)
	if err != nil {
		return nil, err
	}

	conv.CreatedAt = time.Unix(0, created).UTC()
	conv.UpdatedAt = time.Unix(0, updated).UTC()
	if lastMessage.Valid {
		t := time.Unix(0, lastMessage.Int64).UTC()
		conv.LastMessageTime = &t
	}

	return &conv, nil
}
