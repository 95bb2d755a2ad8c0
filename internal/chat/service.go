// Package chat owns the message lifecycle: creating messages, keeping the
// conversation summary current, advancing delivery status and paging
// history. Real-time fan-out is delegated to an Emitter.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/skillswap/chat-app/internal/metrics"
	"github.com/skillswap/chat-app/internal/model"
	"github.com/skillswap/chat-app/internal/protocol"
	"github.com/skillswap/chat-app/internal/store"
)

var (
	// ErrValidation marks input rejected before any persistence.
	ErrValidation = errors.New("chat: validation failed")
	// ErrForbidden marks an action on a conversation or message the caller
	// does not own.
	ErrForbidden = errors.New("chat: forbidden")
	// ErrNotFound marks a missing user, conversation or message.
	ErrNotFound = errors.New("chat: not found")
)

// Store is the persistence the service needs.
type Store interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]model.User, error)
	AppendMessage(ctx context.Context, senderID, receiverID, body string, at time.Time) (*model.Message, *model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]model.ConversationView, error)
	ResetUnread(ctx context.Context, conversationID, userID string) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit, offset int, newestFirst bool) ([]model.Message, error)
	AdvanceStatus(ctx context.Context, messageID string, to model.MessageStatus) (bool, error)
}

// Emitter delivers an event to every live connection of a user.
type Emitter interface {
	EmitToUser(ctx context.Context, userID, event string, payload any) error
}

// PresenceReader answers live presence questions.
type PresenceReader interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Config holds paging and search limits.
type Config struct {
	DefaultPageSize int
	MaxPageSize     int
	SearchLimit     int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		DefaultPageSize: 20,
		MaxPageSize:     100,
		SearchLimit:     10,
	}
}

// Service is the message lifecycle service.
type Service struct {
	cfg      Config
	store    Store
	emitter  Emitter
	presence PresenceReader
	now      func() time.Time
}

// NewService wires the service.
func NewService(cfg Config, st Store, emitter Emitter, presence PresenceReader) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		emitter:  emitter,
		presence: presence,
		now:      time.Now,
	}
}

// Send persists a message from senderID to receiverID and pushes it to the
// receiver's live connections. The message is returned once persisted, even
// if the receiver is offline or delivery fails.
func (s *Service) Send(ctx context.Context, senderID, receiverID, body string) (*model.Message, error) {
	start := time.Now()

	if senderID == receiverID {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: cannot message yourself", ErrValidation)
	}
	if err := ValidateMessage(body); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := s.requireUser(ctx, receiverID); err != nil {
		return nil, err
	}

	msg, _, err := s.store.AppendMessage(ctx, senderID, receiverID, body, s.now())
	if err != nil {
		return nil, fmt.Errorf("chat: send: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	if err := s.emitter.EmitToUser(ctx, receiverID, protocol.TypeReceiveMessage, msg); err != nil {
		log.Printf("chat: fan-out of message=%s to user=%s failed: %v", msg.ID, receiverID, err)
	}

	metrics.MessageLatency.Observe(time.Since(start).Seconds())
	return msg, nil
}

// Notify relays an unpersisted notification to the recipient's live
// connections.
func (s *Service) Notify(ctx context.Context, senderID string, n protocol.PushNotificationMsg) error {
	if err := ValidateNotification(n.Title, n.Message); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := s.requireUser(ctx, n.RecipientID); err != nil {
		return err
	}
	return s.emitter.EmitToUser(ctx, n.RecipientID, protocol.TypeNotification, protocol.NotificationMsg{
		SenderID: senderID,
		Title:    n.Title,
		Message:  n.Message,
		Link:     n.Link,
	})
}

// ListConversations returns the user's conversations, most recent first,
// with the peer's live presence.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]model.ConversationView, error) {
	views, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("chat: list conversations: %w", err)
	}
	if views == nil {
		views = []model.ConversationView{}
	}
	for i := range views {
		online, err := s.presence.IsOnline(ctx, views[i].Peer.ID)
		if err != nil {
			log.Printf("chat: presence lookup for user=%s failed: %v", views[i].Peer.ID, err)
			continue
		}
		views[i].PeerOnline = online
	}
	return views, nil
}

// Page selects a slice of history. Page is 1-based. Sort "desc" (default)
// makes page 1 the newest messages; "asc" makes page 1 the oldest.
type Page struct {
	Page  int
	Limit int
	Sort  string
}

// MessagePage is one page of history, oldest to newest.
type MessagePage struct {
	Messages []model.Message `json:"messages"`
	Page     int             `json:"page"`
	Limit    int             `json:"limit"`
	Sort     string          `json:"sort"`
}

const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

func (s *Service) normalize(p Page) (Page, error) {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = s.cfg.DefaultPageSize
	}
	if p.Limit > s.cfg.MaxPageSize {
		p.Limit = s.cfg.MaxPageSize
	}
	switch strings.ToLower(p.Sort) {
	case "", SortDesc:
		p.Sort = SortDesc
	case SortAsc:
		p.Sort = SortAsc
	default:
		return p, fmt.Errorf("%w: unknown sort %q", ErrValidation, p.Sort)
	}
	return p, nil
}

// ListMessages pages through a conversation the user participates in. The
// receiving participant fetching the conversation clears its unread count.
func (s *Service) ListMessages(ctx context.Context, conversationID, userID string, p Page) (*MessagePage, error) {
	p, err := s.normalize(p)
	if err != nil {
		return nil, err
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("chat: load conversation: %w", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: not a participant of conversation %s", ErrForbidden, conversationID)
	}

	// Reset before reading: a message appended after this point is either in
	// the page or counted again, never cleared unseen.
	if err := s.store.ResetUnread(ctx, conv.ID, userID); err != nil {
		return nil, fmt.Errorf("chat: reset unread: %w", err)
	}

	newestFirst := p.Sort == SortDesc
	msgs, err := s.store.ListMessages(ctx, conv.ID, p.Limit, (p.Page-1)*p.Limit, newestFirst)
	if err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	if newestFirst {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	if msgs == nil {
		msgs = []model.Message{}
	}

	return &MessagePage{Messages: msgs, Page: p.Page, Limit: p.Limit, Sort: p.Sort}, nil
}

// UpdateStatus advances a message along SENT -> DELIVERED -> READ. Only the
// receiver may do so, and only forward. The sender is told about the change.
func (s *Service) UpdateStatus(ctx context.Context, messageID, status, requesterID string) (*model.Message, error) {
	to, err := model.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("chat: load message: %w", err)
	}
	if msg.ReceiverID != requesterID {
		return nil, fmt.Errorf("%w: only the receiver may update message %s", ErrForbidden, messageID)
	}
	if !msg.Status.CanAdvance(to) {
		return nil, fmt.Errorf("%w: cannot move message from %s to %s", ErrValidation, msg.Status, to)
	}

	changed, err := s.store.AdvanceStatus(ctx, messageID, to)
	if err != nil {
		return nil, fmt.Errorf("chat: update status: %w", err)
	}
	if !changed {
		// A concurrent update moved it at least as far already.
		return nil, fmt.Errorf("%w: message %s already advanced past %s", ErrValidation, messageID, msg.Status)
	}
	msg.Status = to
	metrics.MessagesTotal.WithLabelValues(strings.ToLower(string(to))).Inc()

	update := protocol.StatusUpdateMsg{MessageID: msg.ID, Status: string(to)}
	if err := s.emitter.EmitToUser(ctx, msg.SenderID, protocol.TypeMessageStatusUpdate, update); err != nil {
		log.Printf("chat: status fan-out for message=%s failed: %v", msg.ID, err)
	}
	return msg, nil
}

// SearchPeers finds users whose display name contains query, excluding
// the caller. An empty query matches nobody.
func (s *Service) SearchPeers(ctx context.Context, query, excludeID string) ([]model.User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []model.User{}, nil
	}
	users, err := s.store.SearchUsers(ctx, query, excludeID, s.cfg.SearchLimit)
	if err != nil {
		return nil, fmt.Errorf("chat: search peers: %w", err)
	}
	if users == nil {
		users = []model.User{}
	}
	return users, nil
}

func (s *Service) requireUser(ctx context.Context, userID string) error {
	_, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return fmt.Errorf("chat: lookup user: %w", err)
	}
	return nil
}
