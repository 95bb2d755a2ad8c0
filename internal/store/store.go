// Package store persists users, sessions, conversations and messages.
//
// Postgres is the durable backend; memstore provides the same contract in
// process for single-node development and tests.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/skillswap/chat-app/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store is the full persistence contract.
type Store interface {
	UserStore
	SessionStore
	ConversationStore
}

// UserStore reads and updates peers.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	UpsertUser(ctx context.Context, u *model.User) error
	// SearchUsers matches display names case-insensitively, excluding one id.
	SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]model.User, error)
	// SetPresence updates the display-only online flag and last-seen time.
	SetPresence(ctx context.Context, userID string, online bool, at time.Time) error
}

// SessionStore holds at most one credential pair per user.
type SessionStore interface {
	GetSession(ctx context.Context, userID string) (*model.Session, error)
	SaveSession(ctx context.Context, s *model.Session) error
	DeleteSession(ctx context.Context, userID string) error
}

// ConversationStore owns conversations and their messages.
type ConversationStore interface {
	// AppendMessage finds or creates the conversation for the pair, inserts
	// the message as SENT, and updates the conversation summary, all in one
	// atomic step. The unread counter is incremented for the receiver.
	AppendMessage(ctx context.Context, senderID, receiverID, body string, at time.Time) (*model.Message, *model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	// ListConversations returns the user's conversations with the peer's
	// profile joined in, most recent activity first.
	ListConversations(ctx context.Context, userID string) ([]model.ConversationView, error)
	// ResetUnread zeroes the counter only when it belongs to userID.
	ResetUnread(ctx context.Context, conversationID, userID string) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	// ListMessages pages through a conversation. With newestFirst, offset 0
	// is the newest message.
	ListMessages(ctx context.Context, conversationID string, limit, offset int, newestFirst bool) ([]model.Message, error)
	// AdvanceStatus moves a message strictly forward and reports whether
	// anything changed.
	AdvanceStatus(ctx context.Context, messageID string, to model.MessageStatus) (bool, error)
}

// Truncate rounds t to the precision Postgres keeps for timestamptz so both
// backends hand back identical times.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// likePattern escapes LIKE metacharacters in a user-supplied fragment.
func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q) + "%"
}
