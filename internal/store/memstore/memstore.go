// Package memstore is an in-process implementation of store.Store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skillswap/chat-app/internal/model"
	"github.com/skillswap/chat-app/internal/store"
)

// Store keeps every record in maps behind one mutex, which makes
// AppendMessage atomic without further coordination.
type Store struct {
	mu            sync.RWMutex
	users         map[string]model.User
	sessions      map[string]model.Session
	conversations map[string]*model.Conversation
	byPair        map[[2]string]string
	messages      map[string]*model.Message
	thread        map[string][]string // conversation id -> message ids by (created_at, append order)
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:         make(map[string]model.User),
		sessions:      make(map[string]model.Session),
		conversations: make(map[string]*model.Conversation),
		byPair:        make(map[[2]string]string),
		messages:      make(map[string]*model.Message),
		thread:        make(map[string][]string),
	}
}

func (s *Store) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (s *Store) UpsertUser(_ context.Context, u *model.User) error {
	if u.ID == "" {
		return fmt.Errorf("memstore: empty user id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[u.ID]
	if ok {
		existing.DisplayName = u.DisplayName
		s.users[u.ID] = existing
		return nil
	}
	s.users[u.ID] = model.User{ID: u.ID, DisplayName: u.DisplayName}
	return nil
}

func (s *Store) SearchUsers(_ context.Context, query, excludeID string, limit int) ([]model.User, error) {
	needle := strings.ToLower(query)

	s.mu.RLock()
	var out []model.User
	for _, u := range s.users {
		if u.ID == excludeID {
			continue
		}
		if strings.Contains(strings.ToLower(u.DisplayName), needle) {
			out = append(out, u)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].DisplayName), strings.ToLower(out[j].DisplayName)
		if a != b {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SetPresence(_ context.Context, userID string, online bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	t := store.Truncate(at)
	u.IsOnline = online
	u.LastSeenAt = &t
	s.users[userID] = u
	return nil
}

func (s *Store) GetSession(_ context.Context, userID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sess, nil
}

func (s *Store) SaveSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sess
	cp.ExpiresAt = store.Truncate(cp.ExpiresAt)
	cp.UpdatedAt = store.Truncate(cp.UpdatedAt)
	s.sessions[sess.UserID] = cp
	return nil
}

func (s *Store) DeleteSession(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, userID)
	return nil
}

func (s *Store) AppendMessage(_ context.Context, senderID, receiverID, body string, at time.Time) (*model.Message, *model.Conversation, error) {
	at = store.Truncate(at)
	pair := model.PairKey(senderID, receiverID)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range pair {
		if _, ok := s.users[id]; !ok {
			return nil, nil, fmt.Errorf("memstore: unknown user %q", id)
		}
	}

	conv := s.conversationFor(pair)
	conv.LastMessage = body
	if at.After(conv.LastActivity) {
		conv.LastActivity = at
	}
	if conv.UnreadFor == receiverID {
		conv.UnreadCount++
	} else {
		conv.UnreadFor = receiverID
		conv.UnreadCount = 1
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
	s.messages[msg.ID] = msg
	s.insertThread(conv.ID, msg)

	m, c := *msg, *conv
	return &m, &c, nil
}

// insertThread keeps a thread ordered by creation time, ties in append
// order, the same order Postgres returns with (created_at, seq). Must be
// called with mu held.
func (s *Store) insertThread(convID string, msg *model.Message) {
	ids := s.thread[convID]
	i := len(ids)
	for i > 0 && s.messages[ids[i-1]].CreatedAt.After(msg.CreatedAt) {
		i--
	}
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = msg.ID
	s.thread[convID] = ids
}

// conversationFor must be called with mu held.
func (s *Store) conversationFor(pair [2]string) *model.Conversation {
	if id, ok := s.byPair[pair]; ok {
		return s.conversations[id]
	}
	conv := &model.Conversation{ID: uuid.NewString(), Participants: pair}
	s.conversations[conv.ID] = conv
	s.byPair[pair] = conv.ID
	return conv
}

func (s *Store) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListConversations(_ context.Context, userID string) ([]model.ConversationView, error) {
	s.mu.RLock()
	var views []model.ConversationView
	for _, c := range s.conversations {
		if !c.HasParticipant(userID) {
			continue
		}
		peer, ok := s.users[c.Peer(userID)]
		if !ok {
			continue
		}
		views = append(views, model.ConversationView{Conversation: *c, Peer: peer})
	}
	s.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		if !views[i].LastActivity.Equal(views[j].LastActivity) {
			return views[i].LastActivity.After(views[j].LastActivity)
		}
		return views[i].ID < views[j].ID
	})
	return views, nil
}

func (s *Store) ResetUnread(_ context.Context, conversationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.conversations[conversationID]; ok && c.UnreadFor == userID {
		c.UnreadCount = 0
	}
	return nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ListMessages(_ context.Context, conversationID string, limit, offset int, newestFirst bool) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.thread[conversationID]
	n := len(ids)
	if offset >= n {
		return nil, nil
	}

	out := make([]model.Message, 0, min(limit, n-offset))
	for i := offset; i < n && len(out) < limit; i++ {
		idx := i
		if newestFirst {
			idx = n - 1 - i
		}
		out = append(out, *s.messages[ids[idx]])
	}
	return out, nil
}

func (s *Store) AdvanceStatus(_ context.Context, messageID string, to model.MessageStatus) (bool, error) {
	if to.Rank() < 0 {
		return false, fmt.Errorf("memstore: unknown status %q", to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok || !m.Status.CanAdvance(to) {
		return false, nil
	}
	m.Status = to
	return true, nil
}

var _ store.Store = (*Store)(nil)
