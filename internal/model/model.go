// Package model defines the durable records shared by the admission gate,
// the message lifecycle service and the storage layer.
package model

import (
	"fmt"
	"strings"
	"time"
)

// User is a registered peer. IsOnline is a display column only; live
// presence comes from the presence registry.
type User struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"displayName"`
	IsOnline    bool       `json:"isOnline"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty"`
}

// Session holds the current credential pair for one user.
type Session struct {
	UserID       string    `json:"userId"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expiresAt"` // absolute expiry of the refresh token
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Expired reports whether the long-lived credential is past its absolute expiry.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Conversation is the denormalized summary of a 1:1 thread.
type Conversation struct {
	ID           string    `json:"id"`
	Participants [2]string `json:"participants"` // ordered low, high
	LastMessage  string    `json:"lastMessage"`
	LastActivity time.Time `json:"lastActivity"`
	UnreadCount  int       `json:"unreadCount"`
	UnreadFor    string    `json:"unreadFor,omitempty"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.Participants[0] == userID || c.Participants[1] == userID
}

// Peer returns the participant that is not userID.
func (c *Conversation) Peer(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// ConversationView is a conversation as listed for one participant.
type ConversationView struct {
	Conversation
	Peer       User `json:"peer"`
	PeerOnline bool `json:"peerOnline"`
}

// PairKey orders two user ids so an unordered pair maps to one conversation.
func PairKey(a, b string) [2]string {
	if strings.Compare(a, b) <= 0 {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}

// MessageStatus is the delivery lifecycle state of a message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
)

var statusRank = map[MessageStatus]int{
	StatusSent:      0,
	StatusDelivered: 1,
	StatusRead:      2,
}

// ParseStatus validates a wire value.
func ParseStatus(s string) (MessageStatus, error) {
	st := MessageStatus(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := statusRank[st]; !ok {
		return "", fmt.Errorf("model: unknown message status %q", s)
	}
	return st, nil
}

// Rank returns the position of the status in SENT -> DELIVERED -> READ, or -1.
func (s MessageStatus) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// StatusFromRank is the inverse of Rank.
func StatusFromRank(r int) (MessageStatus, bool) {
	for st, rank := range statusRank {
		if rank == r {
			return st, true
		}
	}
	return "", false
}

// CanAdvance reports whether moving from s to next is a strict forward move.
func (s MessageStatus) CanAdvance(next MessageStatus) bool {
	from, to := s.Rank(), next.Rank()
	return from >= 0 && to >= 0 && to > from
}

// Message is one persisted chat message. Status is the only mutable field.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	ReceiverID     string        `json:"receiverId"`
	Body           string        `json:"body"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
}
