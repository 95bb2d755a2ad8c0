package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skillswap/chat-app/internal/model"
	"github.com/skillswap/chat-app/internal/store"
)

// SessionPrefix is the Redis key prefix for all session hashes.
const SessionPrefix = "session:"

// record is the Redis hash layout of a session.
type record struct {
	UserID       string `redis:"user_id"`
	AccessToken  string `redis:"access_token"`
	RefreshToken string `redis:"refresh_token"`
	ExpiresAt    int64  `redis:"expires_at"` // unix nanoseconds
	UpdatedAt    int64  `redis:"updated_at"` // unix nanoseconds
}

// Connect opens a Redis client and verifies the connection.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// Store keeps one credential session per user as a Redis hash that expires
// with the refresh token.
type Store struct {
	client *redis.Client
}

// NewStore creates a session store on an existing client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// GetSession loads the user's session. A missing or expired session returns
// store.ErrNotFound.
func (s *Store) GetSession(ctx context.Context, userID string) (*model.Session, error) {
	var rec record
	if err := s.client.HGetAll(ctx, SessionPrefix+userID).Scan(&rec); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", userID, err)
	}
	if rec.UserID == "" {
		return nil, store.ErrNotFound
	}
	return &model.Session{
		UserID:       rec.UserID,
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		ExpiresAt:    time.Unix(0, rec.ExpiresAt).UTC(),
		UpdatedAt:    time.Unix(0, rec.UpdatedAt).UTC(),
	}, nil
}

// SaveSession replaces the user's session and sets its expiry to the
// refresh token's absolute expiry.
func (s *Store) SaveSession(ctx context.Context, sess *model.Session) error {
	if sess == nil || sess.UserID == "" {
		return errors.New("session: save: missing user id")
	}
	key := SessionPrefix + sess.UserID

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, record{
		UserID:       sess.UserID,
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		ExpiresAt:    sess.ExpiresAt.UnixNano(),
		UpdatedAt:    sess.UpdatedAt.UnixNano(),
	})
	pipe.ExpireAt(ctx, key, sess.ExpiresAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: save %s: %w", sess.UserID, err)
	}
	return nil
}

// DeleteSession removes the user's session. Deleting a missing session is
// not an error.
func (s *Store) DeleteSession(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, SessionPrefix+userID).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", userID, err)
	}
	return nil
}
