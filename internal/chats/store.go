// Package chats stores chat transcripts: one row per chat and one per
// message, with chats listed by most recent activity.
package chats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrChatNotFound is returned when a chat ID does not exist.
var ErrChatNotFound = errors.New("chat not found")

// timeLayout is fixed-width so lexical order in SQLite matches
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// titleLayout renders generated chat titles, e.g. "Chat @ Aug 20, 2025, 7:57 PM".
const titleLayout = "Jan 2, 2006, 3:04 PM"

// Senders recognized in transcripts.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
	SenderSystem    = "system"
)

// Chat is a transcript header.
type Chat struct {
	ID            string     `json:"id"`
	Owner         string     `json:"owner"`
	Title         string     `json:"title"`
	CreatedAt     time.Time  `json:"created_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// Message is one transcript entry.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Text      string    `json:"text"`
	Sender    string    `json:"sender"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages transcript persistence.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the transcript database at dbPath using
// the sqlite3 driver, which the caller must have registered.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, err := NewStoreWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithDB creates a transcript store on an existing connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			title TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_message_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_chats_owner_activity ON chats(owner, last_message_at DESC);

		CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			text TEXT NOT NULL,
			sender TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_chat_messages_chat ON chat_messages(chat_id, created_at);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Title returns the generated title for a chat created at t.
func Title(t time.Time) string {
	return "Chat @ " + t.Format(titleLayout)
}

// CreateChat creates an empty chat for owner and returns its ID.
func (s *Store) CreateChat(ctx context.Context, owner string, ts time.Time) (string, error) {
	return s.inTx(ctx, func(tx *sql.Tx) (string, error) {
		return insertChat(ctx, tx, owner, ts)
	})
}

// AddMessage appends a message to owner's chat chatID and bumps the
// chat's last_message_at. Returns ErrChatNotFound for an unknown chat or
// one that belongs to someone else.
func (s *Store) AddMessage(ctx context.Context, owner, chatID, text, sender string, ts time.Time) (string, error) {
	return s.inTx(ctx, func(tx *sql.Tx) (string, error) {
		return appendMessage(ctx, tx, owner, chatID, text, sender, ts)
	})
}

// CreateChatWithMessage starts a chat for owner whose first message is
// the user's text, and returns the new chat. Nothing is stored unless
// both rows are written.
func (s *Store) CreateChatWithMessage(ctx context.Context, owner, text string, ts time.Time) (*Chat, error) {
	chatID, err := s.inTx(ctx, func(tx *sql.Tx) (string, error) {
		chatID, err := insertChat(ctx, tx, owner, ts)
		if err != nil {
			return "", err
		}
		if _, err := appendMessage(ctx, tx, owner, chatID, text, SenderUser, ts); err != nil {
			return "", err
		}
		return chatID, nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetChat(ctx, chatID)
}

// inTx runs fn in a transaction and commits when it succeeds.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) (string, error)) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	id, err := fn(tx)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

func insertChat(ctx context.Context, tx *sql.Tx, owner string, ts time.Time) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chats (id, owner, title, created_at)
		VALUES (?, ?, ?, ?)
	`, id.String(), owner, Title(ts), ts.UTC().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("insert chat: %w", err)
	}
	return id.String(), nil
}

func appendMessage(ctx context.Context, tx *sql.Tx, owner, chatID, text, sender string, ts time.Time) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	stamp := ts.UTC().Format(timeLayout)

	res, err := tx.ExecContext(ctx, `UPDATE chats SET last_message_at = ? WHERE id = ? AND owner = ?`, stamp, chatID, owner)
	if err != nil {
		return "", fmt.Errorf("touch chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (id, chat_id, text, sender, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), chatID, text, sender, stamp); err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	return id.String(), nil
}

// GetChat returns a chat header by ID.
func (s *Store) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, title, created_at, last_message_at
		FROM chats WHERE id = ?
	`, chatID)
	c, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	return c, err
}

// ListMessages returns a chat's messages in the order they were written.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, text, sender, created_at
		FROM chat_messages WHERE chat_id = ?
		ORDER BY created_at ASC, id ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		var created string
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Text, &m.Sender, &created); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		m.CreatedAt, _ = time.Parse(timeLayout, created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListChats returns owner's chats, most recent activity first. Chats
// without messages sort by creation time.
func (s *Store) ListChats(ctx context.Context, owner string) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, title, created_at, last_message_at
		FROM chats WHERE owner = ?
		ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	list := []Chat{}
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *c)
	}
	return list, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChat(row scanner) (*Chat, error) {
	var c Chat
	var created string
	var last sql.NullString
	if err := row.Scan(&c.ID, &c.Owner, &c.Title, &created, &last); err != nil {
		return nil, err
	}
	c.CreatedAt, _ = time.Parse(timeLayout, created)
	if last.Valid {
		t, err := time.Parse(timeLayout, last.String)
		if err == nil {
			c.LastMessageAt = &t
		}
	}
	return &c, nil
}
