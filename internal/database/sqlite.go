package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"chatrelay/internal/constants"
	"chatrelay/internal/migrations"
	"chatrelay/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps conversations in a local SQLite file.
type SQLiteStore struct {
	db        *sql.DB
	path      string
	encryptor *Encryptor
	now       Clock
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteClock overrides the message timestamp source.
func WithSQLiteClock(now Clock) SQLiteOption {
	return func(s *SQLiteStore) { s.now = now }
}

// NewSQLite opens (creating if needed) the database at dbPath and applies
// pending migrations.
func NewSQLite(ctx context.Context, dbPath string, encryptor *Encryptor, opts ...SQLiteOption) (*SQLiteStore, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("%w: invalid database path", ErrInvalidConfig)
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, constants.DefaultDirectoryPermissions); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, constants.DefaultFilePermissions) // #nosec G304 - operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if encryptor == nil {
		encryptor = &Encryptor{}
	}
	s := &SQLiteStore{db: db, path: dbPath, encryptor: encryptor, now: utcNow}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := s.Migrate(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) Driver() string { return DriverSQLite }

// Path returns the database file location.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies pending migrations and returns their versions.
func (s *SQLiteStore) Migrate(ctx context.Context) ([]int, error) {
	all, err := migrations.Load(migrations.SQLite)
	if err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[v] = true
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}

	var done []int
	for _, m := range migrations.Pending(all, applied) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return done, fmt.Errorf("failed to begin migration %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			_ = tx.Rollback()
			return done, fmt.Errorf("failed to apply migration %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
			_ = tx.Rollback()
			return done, fmt.Errorf("failed to record migration %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return done, fmt.Errorf("failed to commit migration %s: %w", m.Name, err)
		}
		done = append(done, m.Version)
	}
	return done, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	conv := &models.Conversation{}
	if err := row.Scan(&conv.ID, &conv.Number, &conv.AIActive, &conv.CreatedAt); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, number string) (*models.Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx, SelectConversationByNumberQuery, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) GetConversationByID(ctx context.Context, id int64) (*models.Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx, SelectConversationByIDQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) upsertConversation(ctx context.Context, q sqlExecer, number string) (*models.Conversation, bool, error) {
	res, err := q.ExecContext(ctx, UpsertConversationQuery, number, s.now())
	if err != nil {
		return nil, false, fmt.Errorf("failed to create conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to create conversation: %w", err)
	}
	conv, err := scanConversation(q.QueryRowContext(ctx, SelectConversationByNumberQuery, number))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load conversation: %w", err)
	}
	return conv, affected == 1, nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, number string) (*models.Conversation, bool, error) {
	type result struct {
		conv    *models.Conversation
		created bool
	}
	r, err := retryableDBOperation(ctx, func() (result, error) {
		conv, created, err := s.upsertConversation(ctx, s.db, number)
		return result{conv, created}, err
	}, "create conversation")
	if err != nil {
		return nil, false, err
	}
	return r.conv, r.created, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, SelectConversationsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []models.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ToggleAutomation(ctx context.Context, id int64) (*models.Conversation, error) {
	conv, err := retryableDBOperation(ctx, func() (*models.Conversation, error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer func() { _ = tx.Rollback() }()

		var active bool
		if err := tx.QueryRowContext(ctx, ToggleAutomationQuery, id).Scan(&active); err != nil {
			return nil, err
		}
		// the write lock is held until commit, so the row read back is ours
		conv, err := scanConversation(tx.QueryRowContext(ctx, SelectConversationByIDQuery, id))
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return conv, nil
	}, "toggle automation")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to toggle automation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id int64) (bool, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("failed to begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx, CountMessagesByConversationQuery, id).Scan(&count); err != nil {
		return false, 0, fmt.Errorf("failed to count messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, DeleteConversationQuery, id)
	if err != nil {
		return false, 0, fmt.Errorf("failed to delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("failed to delete conversation: %w", err)
	}
	if affected == 0 {
		return false, 0, nil
	}
	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("failed to commit delete: %w", err)
	}
	return true, count, nil
}

func (s *SQLiteStore) insertMessage(ctx context.Context, q sqlExecer, conversationID int64, content string, kind models.MessageKind, att *models.Attachment) (*models.Message, error) {
	var latest sql.NullTime
	if err := q.QueryRowContext(ctx, LatestMessageTimeQuery, conversationID).Scan(&latest); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read latest message time: %w", err)
	}
	createdAt := nextTimestamp(s.now(), latest.Time)

	sealed, err := s.encryptor.Encrypt(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt content: %w", err)
	}

	args := []any{conversationID, sealed, string(kind), createdAt}
	args = append(args, attachmentArgs(att)...)

	res, err := q.ExecContext(ctx, InsertMessageQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read message id: %w", err)
	}

	return &models.Message{
		ID:             id,
		ConversationID: conversationID,
		Content:        content,
		Kind:           kind,
		CreatedAt:      createdAt,
		Attachment:     att,
	}, nil
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, conversationID int64, content string, kind models.MessageKind, att *models.Attachment) (*models.Message, error) {
	if err := validateMessage(content, kind, att); err != nil {
		return nil, err
	}
	return retryableDBOperation(ctx, func() (*models.Message, error) {
		return s.insertMessage(ctx, s.db, conversationID, content, kind, att)
	}, "create message")
}

func (s *SQLiteStore) RecordInbound(ctx context.Context, number, content string, att *models.Attachment) (*models.Conversation, *models.Message, bool, error) {
	if err := validateMessage(content, models.KindLead, att); err != nil {
		return nil, nil, false, err
	}

	type result struct {
		conv    *models.Conversation
		msg     *models.Message
		created bool
	}
	r, err := retryableDBOperation(ctx, func() (result, error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return result{}, fmt.Errorf("failed to begin inbound transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		conv, created, err := s.upsertConversation(ctx, tx, number)
		if err != nil {
			return result{}, err
		}
		msg, err := s.insertMessage(ctx, tx, conv.ID, content, models.KindLead, att)
		if err != nil {
			return result{}, err
		}
		if err := tx.Commit(); err != nil {
			return result{}, fmt.Errorf("failed to commit inbound message: %w", err)
		}
		return result{conv, msg, created}, nil
	}, "record inbound message")
	if err != nil {
		return nil, nil, false, err
	}
	return r.conv, r.msg, r.created, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID int64, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, SelectMessagesByConversationQuery, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows, s.encryptor)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) CountMessagesBetween(ctx context.Context, start, end time.Time) (int, int, error) {
	var total, ai int
	err := s.db.QueryRowContext(ctx, CountMessagesBetweenQuery, start.UTC(), end.UTC()).Scan(&total, &ai)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return total, ai, nil
}

func attachmentArgs(att *models.Attachment) []any {
	if att == nil {
		return []any{nil, nil, nil, nil, nil}
	}
	var size any
	if att.SizeBytes > 0 {
		size = att.SizeBytes
	}
	return []any{att.URL, att.FullURL, att.Name, string(att.Type), size}
}

func scanMessage(row rowScanner, enc *Encryptor) (*models.Message, error) {
	var msg models.Message
	var kind string
	var url, fullURL, name, typ sql.NullString
	var size sql.NullInt64
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Content, &kind, &msg.CreatedAt,
		&url, &fullURL, &name, &typ, &size); err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	content, err := enc.Decrypt(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt message %d: %w", msg.ID, err)
	}
	msg.Content = content
	msg.Kind = models.MessageKind(kind)
	msg.Attachment = buildAttachment(url, fullURL, name, typ, size)
	return &msg, nil
}

func buildAttachment(url, fullURL, name, typ sql.NullString, size sql.NullInt64) *models.Attachment {
	if !url.Valid || url.String == "" {
		return nil
	}
	attType, _ := models.ParseAttachmentType(typ.String)
	att := &models.Attachment{
		URL:     url.String,
		FullURL: fullURL.String,
		Name:    name.String,
		Type:    attType,
	}
	if att.FullURL == "" {
		att.FullURL = att.URL
	}
	if size.Valid && size.Int64 > 0 {
		att.SizeBytes = size.Int64
	}
	return att
}
