package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"chat-gateway/internal/domain"
)

// pgForeignKeyViolation is the SQLSTATE raised when a message references a
// conversation that does not exist.
const pgForeignKeyViolation = "23503"

// pgxAPI is the subset of *pgxpool.Pool used by PostgresStore.
type pgxAPI interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore is the durable store backed by PostgreSQL. Usage increments
// are single UPDATE statements, so concurrent writers from several processes
// never lose updates.
type PostgresStore struct {
	db          pgxAPI
	tablePrefix string
	now         func() time.Time
}

// PostgresOption configures PostgresStore.
type PostgresOption func(*PostgresStore)

// WithTablePrefix sets the table name prefix (default "gateway_").
func WithTablePrefix(prefix string) PostgresOption {
	return func(s *PostgresStore) { s.tablePrefix = prefix }
}

// NewPostgres creates a PostgresStore. db is normally a *pgxpool.Pool.
func NewPostgres(db pgxAPI, opts ...PostgresOption) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("repository: postgres pool must not be nil")
	}
	s := &PostgresStore{db: db, tablePrefix: "gateway_", now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *PostgresStore) usersTable() string         { return s.tablePrefix + "users" }
func (s *PostgresStore) conversationsTable() string { return s.tablePrefix + "conversations" }
func (s *PostgresStore) messagesTable() string      { return s.tablePrefix + "messages" }

// EnsureSchema creates the required tables if they don't exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			tokens_used BIGINT NOT NULL DEFAULT 0,
			is_subscribed BOOLEAN NOT NULL DEFAULT FALSE,
			last_reset_at TIMESTAMPTZ NULL
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES %[1]s (id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[3]s (
			id BIGSERIAL PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES %[2]s (id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tokens INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS %[3]s_conversation_idx ON %[3]s (conversation_id, id);
	`, s.usersTable(), s.conversationsTable(), s.messagesTable())
	if _, err := s.db.Exec(ctx, q); err != nil {
		return fmt.Errorf("repository: ensure schema: %w", err)
	}
	return nil
}

// ReadQuota returns the user's quota row.
func (s *PostgresStore) ReadQuota(ctx context.Context, userID string) (domain.QuotaRecord, error) {
	rec := domain.QuotaRecord{UserID: userID}
	var lastReset *time.Time
	err := s.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT tokens_used, is_subscribed, last_reset_at FROM %s WHERE id = $1`, s.usersTable()),
		userID,
	).Scan(&rec.TokensUsed, &rec.IsSubscribed, &lastReset)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QuotaRecord{}, fmt.Errorf("repository: ReadQuota %q: %w", userID, domain.ErrUserNotFound)
	}
	if err != nil {
		return domain.QuotaRecord{}, fmt.Errorf("repository: ReadQuota: %w", err)
	}
	if lastReset != nil {
		ts := lastReset.UTC()
		rec.LastResetAt = &ts
	}
	return rec, nil
}

// ResetQuota zeroes tokens_used and starts a new window at now, provided
// last_reset_at still equals prev.
func (s *PostgresStore) ResetQuota(ctx context.Context, userID string, prev *time.Time, now time.Time) error {
	tag, err := s.db.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET tokens_used = 0, last_reset_at = $2
			WHERE id = $1 AND last_reset_at IS NOT DISTINCT FROM $3`, s.usersTable()),
		userID, now.UTC(), prev,
	)
	if err != nil {
		return fmt.Errorf("repository: ResetQuota: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repository: ResetQuota %q: %w", userID, domain.ErrResetConflict)
	}
	return nil
}

// IncrementUsage adds delta to tokens_used in a single UPDATE.
func (s *PostgresStore) IncrementUsage(ctx context.Context, userID string, delta int64) error {
	tag, err := s.db.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET tokens_used = tokens_used + $2 WHERE id = $1`, s.usersTable()),
		userID, delta,
	)
	if err != nil {
		return fmt.Errorf("repository: IncrementUsage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repository: IncrementUsage %q: %w", userID, domain.ErrUserNotFound)
	}
	return nil
}

// CreateConversation inserts a conversation owned by userID.
func (s *PostgresStore) CreateConversation(ctx context.Context, userID string) (domain.Conversation, error) {
	conv := domain.Conversation{
		ID:          uuid.NewString(),
		OwnerUserID: userID,
		CreatedAt:   s.now().UTC(),
	}
	_, err := s.db.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, created_at) VALUES ($1, $2, $3)`, s.conversationsTable()),
		conv.ID, conv.OwnerUserID, conv.CreatedAt,
	)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return conv, nil
}

// IsOwner reports whether userID owns the conversation.
func (s *PostgresStore) IsOwner(ctx context.Context, conversationID, userID string) (bool, error) {
	var owner string
	err := s.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT user_id FROM %s WHERE id = $1`, s.conversationsTable()),
		conversationID,
	).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("repository: IsOwner: %w", err)
	}
	return owner == userID, nil
}

// AppendMessage inserts a message row.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg domain.Message) error {
	if msg.ConversationID == "" || msg.Role == "" {
		return errors.New("repository: AppendMessage: conversation id and role are required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	_, err := s.db.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (conversation_id, role, content, tokens, created_at)
			VALUES ($1, $2, $3, $4, $5)`, s.messagesTable()),
		msg.ConversationID, msg.Role, msg.Text, msg.Tokens, msg.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return fmt.Errorf("repository: AppendMessage %q: %w", msg.ConversationID, domain.ErrConversationNotFound)
		}
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return nil
}

// GetHistory returns up to limit of the newest messages in chronological order.
func (s *PostgresStore) GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		fmt.Sprintf(`SELECT conversation_id, role, content, tokens, created_at FROM %s
			WHERE conversation_id = $1 ORDER BY id DESC LIMIT $2`, s.messagesTable()),
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: GetHistory query: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ConversationID, &m.Role, &m.Text, &m.Tokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository: GetHistory scan: %w", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: GetHistory rows: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
