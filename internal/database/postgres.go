package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatrelay/internal/migrations"
	"chatrelay/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUpsertConversationQuery = `
		INSERT INTO phone_numbers (number, ai_active, created_at)
		VALUES ($1, FALSE, $2)
		ON CONFLICT (number) DO NOTHING
		RETURNING id, number, ai_active, created_at
	`
	pgSelectConversationByNumberQuery = `SELECT id, number, ai_active, created_at FROM phone_numbers WHERE number = $1`
	pgSelectConversationByIDQuery     = `SELECT id, number, ai_active, created_at FROM phone_numbers WHERE id = $1`
	pgSelectConversationsQuery        = `SELECT id, number, ai_active, created_at FROM phone_numbers ORDER BY created_at DESC, id DESC`
	pgToggleAutomationQuery           = `
		UPDATE phone_numbers SET ai_active = NOT ai_active
		WHERE id = $1
		RETURNING id, number, ai_active, created_at
	`
	pgCountMessagesQuery     = `SELECT COUNT(*) FROM messages WHERE phone_number_id = $1`
	pgDeleteConversation     = `DELETE FROM phone_numbers WHERE id = $1`
	pgLatestMessageTimeQuery = `
		SELECT created_at FROM messages WHERE phone_number_id = $1
		ORDER BY created_at DESC, id DESC LIMIT 1
	`
	pgInsertMessageQuery = `
		INSERT INTO messages (
			phone_number_id, content, type, created_at,
			attachment_url, attachment_full_url, attachment_name,
			attachment_type, attachment_size
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	pgSelectMessagesQuery = `
		SELECT id, phone_number_id, content, type, created_at,
			   attachment_url, attachment_full_url, attachment_name,
			   attachment_type, attachment_size
		FROM messages
		WHERE phone_number_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`
	pgCountMessagesBetweenQuery = `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN type = 'ai' THEN 1 ELSE 0 END), 0)
		FROM messages
		WHERE created_at >= $1 AND created_at < $2
	`
	pgLockConversationQuery = `SELECT pg_advisory_xact_lock($1)`
)

// PostgresStore keeps conversations in PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool      *pgxpool.Pool
	encryptor *Encryptor
	now       Clock
}

// NewPostgres connects to databaseURL and applies pending migrations.
func NewPostgres(ctx context.Context, databaseURL string, maxConns int32, encryptor *Encryptor) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse database url: %v", ErrInvalidConfig, err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if encryptor == nil {
		encryptor = &Encryptor{}
	}
	s := &PostgresStore{pool: pool, encryptor: encryptor, now: utcNow}
	if _, err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Driver() string { return DriverPostgres }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Migrate(ctx context.Context) ([]int, error) {
	all, err := migrations.Load(migrations.Postgres)
	if err != nil {
		return nil, err
	}

	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[int32])
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[int(v)] = true
	}

	var done []int
	for _, m := range migrations.Pending(all, applied) {
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return fmt.Errorf("failed to apply migration %s: %w", m.Name, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
				return fmt.Errorf("failed to record migration %s: %w", m.Name, err)
			}
			return nil
		})
		if err != nil {
			return done, err
		}
		done = append(done, m.Version)
	}
	return done, nil
}

func (s *PostgresStore) getConversation(ctx context.Context, q pgxQuerier, query string, arg any) (*models.Conversation, error) {
	conv, err := scanConversation(q.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, number string) (*models.Conversation, error) {
	return s.getConversation(ctx, s.pool, pgSelectConversationByNumberQuery, number)
}

func (s *PostgresStore) GetConversationByID(ctx context.Context, id int64) (*models.Conversation, error) {
	return s.getConversation(ctx, s.pool, pgSelectConversationByIDQuery, id)
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) upsertConversation(ctx context.Context, q pgxQuerier, number string) (*models.Conversation, bool, error) {
	conv, err := scanConversation(q.QueryRow(ctx, pgUpsertConversationQuery, number, s.now()))
	if err == nil {
		return conv, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create conversation: %w", err)
	}
	// Another writer won the insert.
	conv, err = scanConversation(q.QueryRow(ctx, pgSelectConversationByNumberQuery, number))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load conversation: %w", err)
	}
	return conv, false, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, number string) (*models.Conversation, bool, error) {
	return s.upsertConversation(ctx, s.pool, number)
}

func (s *PostgresStore) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	rows, err := s.pool.Query(ctx, pgSelectConversationsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

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

func (s *PostgresStore) ToggleAutomation(ctx context.Context, id int64) (*models.Conversation, error) {
	return retryableDBOperation(ctx, func() (*models.Conversation, error) {
		return s.getConversation(ctx, s.pool, pgToggleAutomationQuery, id)
	}, "toggle automation")
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, id int64) (bool, int, error) {
	var deleted bool
	var count int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, pgCountMessagesQuery, id).Scan(&count); err != nil {
			return fmt.Errorf("failed to count messages: %w", err)
		}
		tag, err := tx.Exec(ctx, pgDeleteConversation, id)
		if err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	if !deleted {
		return false, 0, nil
	}
	return true, count, nil
}

func (s *PostgresStore) insertMessage(ctx context.Context, q pgxQuerier, conversationID int64, content string, kind models.MessageKind, att *models.Attachment) (*models.Message, error) {
	var latest time.Time
	if err := q.QueryRow(ctx, pgLatestMessageTimeQuery, conversationID).Scan(&latest); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to read latest message time: %w", err)
	}
	createdAt := nextTimestamp(s.now(), latest)

	sealed, err := s.encryptor.Encrypt(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt content: %w", err)
	}

	args := append([]any{conversationID, sealed, string(kind), createdAt}, attachmentArgs(att)...)
	var id int64
	if err := q.QueryRow(ctx, pgInsertMessageQuery, args...).Scan(&id); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
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

func (s *PostgresStore) CreateMessage(ctx context.Context, conversationID int64, content string, kind models.MessageKind, att *models.Attachment) (*models.Message, error) {
	if err := validateMessage(content, kind, att); err != nil {
		return nil, err
	}
	var msg *models.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, pgLockConversationQuery, conversationID); err != nil {
			return fmt.Errorf("failed to lock conversation: %w", err)
		}
		var err error
		msg, err = s.insertMessage(ctx, tx, conversationID, content, kind, att)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *PostgresStore) RecordInbound(ctx context.Context, number, content string, att *models.Attachment) (*models.Conversation, *models.Message, bool, error) {
	if err := validateMessage(content, models.KindLead, att); err != nil {
		return nil, nil, false, err
	}

	var (
		conv    *models.Conversation
		msg     *models.Message
		created bool
	)
	err := retryableDBOperationNoReturn(ctx, func() error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			var err error
			conv, created, err = s.upsertConversation(ctx, tx, number)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, pgLockConversationQuery, conv.ID); err != nil {
				return fmt.Errorf("failed to lock conversation: %w", err)
			}
			msg, err = s.insertMessage(ctx, tx, conv.ID, content, models.KindLead, att)
			return err
		})
	}, "record inbound message")
	if err != nil {
		return nil, nil, false, err
	}
	return conv, msg, created, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID int64, limit int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, pgSelectMessagesQuery, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

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

func (s *PostgresStore) CountMessagesBetween(ctx context.Context, start, end time.Time) (int, int, error) {
	var total, ai int64
	if err := s.pool.QueryRow(ctx, pgCountMessagesBetweenQuery, start.UTC(), end.UTC()).Scan(&total, &ai); err != nil {
		return 0, 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return int(total), int(ai), nil
}
