package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/skillswap/chat-app/internal/model"
)

// Postgres implements Store on a database/sql handle using lib/pq.
type Postgres struct {
	db *sql.DB
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// DB exposes the underlying handle.
func (p *Postgres) DB() *sql.DB { return p.db }

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// --- users ---

func (p *Postgres) GetUser(ctx context.Context, id string) (*model.User, error) {
	const query = `
		SELECT id, display_name, is_online, last_seen_at
		FROM users
		WHERE id = $1`

	u, err := scanUser(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return u, nil
}

func (p *Postgres) UpsertUser(ctx context.Context, u *model.User) error {
	const query = `
		INSERT INTO users (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name`

	if _, err := p.db.ExecContext(ctx, query, u.ID, u.DisplayName); err != nil {
		return fmt.Errorf("store: upsert user: %w", err)
	}
	return nil
}

func (p *Postgres) SearchUsers(ctx context.Context, q, excludeID string, limit int) ([]model.User, error) {
	const query = `
		SELECT id, display_name, is_online, last_seen_at
		FROM users
		WHERE id <> $2
		  AND display_name ILIKE $1 ESCAPE '\'
		ORDER BY lower(display_name), id
		LIMIT $3`

	rows, err := p.db.QueryContext(ctx, query, likePattern(q), excludeID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: search users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (p *Postgres) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	const query = `UPDATE users SET is_online = $2, last_seen_at = $3 WHERE id = $1`

	if _, err := p.db.ExecContext(ctx, query, userID, online, Truncate(at)); err != nil {
		return fmt.Errorf("store: set presence: %w", err)
	}
	return nil
}

// --- sessions ---

func (p *Postgres) GetSession(ctx context.Context, userID string) (*model.Session, error) {
	const query = `
		SELECT user_id, access_token, refresh_token, expires_at, updated_at
		FROM sessions
		WHERE user_id = $1`

	var s model.Session
	err := p.db.QueryRowContext(ctx, query, userID).
		Scan(&s.UserID, &s.AccessToken, &s.RefreshToken, &s.ExpiresAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	return &s, nil
}

func (p *Postgres) SaveSession(ctx context.Context, s *model.Session) error {
	const query = `
		INSERT INTO sessions (user_id, access_token, refresh_token, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`

	_, err := p.db.ExecContext(ctx, query,
		s.UserID, s.AccessToken, s.RefreshToken, Truncate(s.ExpiresAt), Truncate(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: save session: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteSession(ctx context.Context, userID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}

// --- conversations and messages ---

func (p *Postgres) AppendMessage(ctx context.Context, senderID, receiverID, body string, at time.Time) (*model.Message, *model.Conversation, error) {
	at = Truncate(at)
	pair := model.PairKey(senderID, receiverID)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	// The upsert locks the conversation row, so concurrent sends serialize on
	// the unread counter.
	const upsertConv = `
		INSERT INTO conversations (id, user_low, user_high, last_message, last_activity, unread_count, unread_for)
		VALUES ($1, $2, $3, $4, $5, 1, $6)
		ON CONFLICT (user_low, user_high) DO UPDATE SET
			last_message = EXCLUDED.last_message,
			last_activity = GREATEST(conversations.last_activity, EXCLUDED.last_activity),
			unread_count = CASE
				WHEN conversations.unread_for = EXCLUDED.unread_for THEN conversations.unread_count + 1
				ELSE 1
			END,
			unread_for = EXCLUDED.unread_for
		RETURNING id, user_low, user_high, last_message, last_activity, unread_count, COALESCE(unread_for, '')`

	conv, err := scanConversation(tx.QueryRowContext(ctx, upsertConv,
		uuid.NewString(), pair[0], pair[1], body, at, receiverID))
	if err != nil {
		return nil, nil, fmt.Errorf("store: upsert conversation: %w", err)
	}

	msg := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Body:           body,
		Status:         model.StatusSent,
		CreatedAt:      at,
	}

	const insertMsg = `
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, body, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = tx.ExecContext(ctx, insertMsg,
		msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID, msg.Body, msg.Status.Rank(), msg.CreatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("store: insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("store: commit: %w", err)
	}
	return msg, conv, nil
}

func (p *Postgres) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	const query = `
		SELECT id, user_low, user_high, last_message, last_activity, unread_count, COALESCE(unread_for, '')
		FROM conversations
		WHERE id = $1`

	c, err := scanConversation(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get conversation: %w", err)
	}
	return c, nil
}

func (p *Postgres) ListConversations(ctx context.Context, userID string) ([]model.ConversationView, error) {
	const query = `
		SELECT c.id, c.user_low, c.user_high, c.last_message, c.last_activity, c.unread_count, COALESCE(c.unread_for, ''),
		       u.id, u.display_name, u.is_online, u.last_seen_at
		FROM conversations c
		JOIN users u ON u.id = CASE WHEN c.user_low = $1 THEN c.user_high ELSE c.user_low END
		WHERE c.user_low = $1 OR c.user_high = $1
		ORDER BY c.last_activity DESC, c.id`

	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	var views []model.ConversationView
	for rows.Next() {
		var (
			v    model.ConversationView
			seen sql.NullTime
		)
		err := rows.Scan(
			&v.ID, &v.Participants[0], &v.Participants[1], &v.LastMessage, &v.LastActivity, &v.UnreadCount, &v.UnreadFor,
			&v.Peer.ID, &v.Peer.DisplayName, &v.Peer.IsOnline, &seen,
		)
		if err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		if seen.Valid {
			t := seen.Time
			v.Peer.LastSeenAt = &t
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

func (p *Postgres) ResetUnread(ctx context.Context, conversationID, userID string) error {
	const query = `
		UPDATE conversations
		SET unread_count = 0
		WHERE id = $1 AND unread_for = $2 AND unread_count <> 0`

	if _, err := p.db.ExecContext(ctx, query, conversationID, userID); err != nil {
		return fmt.Errorf("store: reset unread: %w", err)
	}
	return nil
}

func (p *Postgres) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	const query = `
		SELECT id, conversation_id, sender_id, receiver_id, body, status, created_at
		FROM messages
		WHERE id = $1`

	m, err := scanMessage(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return m, nil
}

func (p *Postgres) ListMessages(ctx context.Context, conversationID string, limit, offset int, newestFirst bool) ([]model.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, receiver_id, body, status, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, seq ASC
		LIMIT $2 OFFSET $3`
	if newestFirst {
		query = `
		SELECT id, conversation_id, sender_id, receiver_id, body, status, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2 OFFSET $3`
	}

	rows, err := p.db.QueryContext(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (p *Postgres) AdvanceStatus(ctx context.Context, messageID string, to model.MessageStatus) (bool, error) {
	rank := to.Rank()
	if rank < 0 {
		return false, fmt.Errorf("store: unknown status %q", to)
	}

	const query = `UPDATE messages SET status = $2 WHERE id = $1 AND status < $2`

	res, err := p.db.ExecContext(ctx, query, messageID, rank)
	if err != nil {
		return false, fmt.Errorf("store: advance status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: rows affected: %w", err)
	}
	return n == 1, nil
}

// --- scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var (
		u    model.User
		seen sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.DisplayName, &u.IsOnline, &seen); err != nil {
		return nil, err
	}
	if seen.Valid {
		t := seen.Time
		u.LastSeenAt = &t
	}
	return &u, nil
}

func scanConversation(row rowScanner) (*model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(&c.ID, &c.Participants[0], &c.Participants[1], &c.LastMessage, &c.LastActivity, &c.UnreadCount, &c.UnreadFor)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		m    model.Message
		rank int
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Body, &rank, &m.CreatedAt); err != nil {
		return nil, err
	}
	st, ok := model.StatusFromRank(rank)
	if !ok {
		return nil, fmt.Errorf("unknown status rank %d", rank)
	}
	m.Status = st
	return &m, nil
}

var _ Store = (*Postgres)(nil)
