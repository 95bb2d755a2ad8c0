// Package storetest holds behavioural tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/skillswap/chat-app/internal/model"
	"github.com/skillswap/chat-app/internal/store"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("Search", func(t *testing.T) { testSearch(t, newStore(t)) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("AppendMessage", func(t *testing.T) { testAppend(t, newStore(t)) })
	t.Run("UnreadOwnership", func(t *testing.T) { testUnread(t, newStore(t)) })
	t.Run("ListMessages", func(t *testing.T) { testListMessages(t, newStore(t)) })
	t.Run("CreationOrder", func(t *testing.T) { testCreationOrder(t, newStore(t)) })
	t.Run("AdvanceStatus", func(t *testing.T) { testAdvance(t, newStore(t)) })
	t.Run("ConcurrentAppend", func(t *testing.T) { testConcurrentAppend(t, newStore(t)) })
}

func seed(t *testing.T, s store.Store, users ...model.User) {
	t.Helper()
	for i := range users {
		if err := s.UpsertUser(context.Background(), &users[i]); err != nil {
			t.Fatalf("UpsertUser(%s): %v", users[i].ID, err)
		}
	}
}

func testUsers(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, model.User{ID: "u1", DisplayName: "Alice"})

	u, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.DisplayName != "Alice" || u.IsOnline || u.LastSeenAt != nil {
		t.Errorf("unexpected user %+v", u)
	}

	if _, err := s.GetUser(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetUser(missing) err = %v, want ErrNotFound", err)
	}

	at := time.Now()
	if err := s.SetPresence(ctx, "u1", true, at); err != nil {
		t.Fatalf("SetPresence: %v", err)
	}
	u, _ = s.GetUser(ctx, "u1")
	if !u.IsOnline || u.LastSeenAt == nil || !u.LastSeenAt.Equal(store.Truncate(at)) {
		t.Errorf("presence not persisted: %+v", u)
	}

	seed(t, s, model.User{ID: "u1", DisplayName: "Alice B"})
	u, _ = s.GetUser(ctx, "u1")
	if u.DisplayName != "Alice B" || !u.IsOnline {
		t.Errorf("upsert should rename and keep presence: %+v", u)
	}
}

func testSearch(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s,
		model.User{ID: "me", DisplayName: "Sam Self"},
		model.User{ID: "a", DisplayName: "Samantha"},
		model.User{ID: "b", DisplayName: "samuel"},
		model.User{ID: "c", DisplayName: "Bob"},
		model.User{ID: "d", DisplayName: "50%_off"},
	)

	got, err := s.SearchUsers(ctx, "SAM", "me", 10)
	if err != nil {
		t.Fatalf("SearchUsers: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2: %+v", len(got), got)
	}
	for _, u := range got {
		if u.ID == "me" {
			t.Error("search must exclude the caller")
		}
	}

	got, _ = s.SearchUsers(ctx, "sam", "me", 1)
	if len(got) != 1 {
		t.Errorf("limit not applied, got %d", len(got))
	}

	got, _ = s.SearchUsers(ctx, "%", "me", 10)
	if len(got) != 1 || got[0].ID != "d" {
		t.Errorf("wildcards must match literally, got %+v", got)
	}
}

func testSessions(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, model.User{ID: "u1", DisplayName: "Alice"})

	if _, err := s.GetSession(ctx, "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetSession before save err = %v, want ErrNotFound", err)
	}

	now := time.Now()
	first := &model.Session{UserID: "u1", AccessToken: "a1", RefreshToken: "r1", ExpiresAt: now.Add(time.Hour), UpdatedAt: now}
	if err := s.SaveSession(ctx, first); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	second := &model.Session{UserID: "u1", AccessToken: "a2", RefreshToken: "r2", ExpiresAt: now.Add(2 * time.Hour), UpdatedAt: now}
	if err := s.SaveSession(ctx, second); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := s.GetSession(ctx, "u1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.AccessToken != "a2" || got.RefreshToken != "r2" {
		t.Errorf("want latest pair, got %+v", got)
	}
	if !got.ExpiresAt.Equal(store.Truncate(second.ExpiresAt)) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, second.ExpiresAt)
	}

	if err := s.DeleteSession(ctx, "u1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetSession(ctx, "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetSession after delete err = %v", err)
	}
}

func testAppend(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s,
		model.User{ID: "alice", DisplayName: "Alice"},
		model.User{ID: "bob", DisplayName: "Bob"},
		model.User{ID: "carol", DisplayName: "Carol"},
	)

	t0 := time.Now()
	m1, c1, err := s.AppendMessage(ctx, "alice", "bob", "hi", t0)
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if m1.Status != model.StatusSent || m1.ConversationID != c1.ID {
		t.Errorf("unexpected message %+v", m1)
	}
	if c1.Participants != model.PairKey("alice", "bob") {
		t.Errorf("participants = %v", c1.Participants)
	}

	_, c2, err := s.AppendMessage(ctx, "bob", "alice", "yo", t0.Add(time.Second))
	if err != nil {
		t.Fatalf("AppendMessage reply: %v", err)
	}
	if c2.ID != c1.ID {
		t.Fatal("reply must reuse the conversation for the unordered pair")
	}
	if c2.LastMessage != "yo" {
		t.Errorf("LastMessage = %q", c2.LastMessage)
	}

	_, c3, err := s.AppendMessage(ctx, "carol", "alice", "hey", t0.Add(2*time.Second))
	if err != nil {
		t.Fatalf("AppendMessage carol: %v", err)
	}

	views, err := s.ListConversations(ctx, "alice")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("got %d conversations, want 2", len(views))
	}
	if views[0].ID != c3.ID || views[0].Peer.ID != "carol" {
		t.Errorf("most recent first: got %s with peer %s", views[0].ID, views[0].Peer.ID)
	}
	if views[1].Peer.DisplayName != "Bob" {
		t.Errorf("peer profile not joined: %+v", views[1].Peer)
	}

	views, _ = s.ListConversations(ctx, "bob")
	if len(views) != 1 {
		t.Errorf("bob should see one conversation, got %d", len(views))
	}

	if _, _, err := s.AppendMessage(ctx, "alice", "ghost", "boo", t0); err == nil {
		t.Error("append to unknown user should fail")
	}
}

func testUnread(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s,
		model.User{ID: "alice", DisplayName: "Alice"},
		model.User{ID: "bob", DisplayName: "Bob"},
	)

	now := time.Now()
	var conv *model.Conversation
	for i := 0; i < 3; i++ {
		var err error
		_, conv, err = s.AppendMessage(ctx, "alice", "bob", fmt.Sprintf("m%d", i), now.Add(time.Duration(i)*time.Millisecond))
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	if conv.UnreadFor != "bob" || conv.UnreadCount != 3 {
		t.Fatalf("unread = %d for %q, want 3 for bob", conv.UnreadCount, conv.UnreadFor)
	}

	// The sender fetching must not clear the receiver's counter.
	if err := s.ResetUnread(ctx, conv.ID, "alice"); err != nil {
		t.Fatalf("ResetUnread: %v", err)
	}
	got, _ := s.GetConversation(ctx, conv.ID)
	if got.UnreadCount != 3 {
		t.Errorf("sender reset cleared counter: %d", got.UnreadCount)
	}

	if err := s.ResetUnread(ctx, conv.ID, "bob"); err != nil {
		t.Fatalf("ResetUnread: %v", err)
	}
	got, _ = s.GetConversation(ctx, conv.ID)
	if got.UnreadCount != 0 {
		t.Errorf("receiver reset left %d", got.UnreadCount)
	}

	_, conv, _ = s.AppendMessage(ctx, "bob", "alice", "reply", now.Add(time.Second))
	if conv.UnreadFor != "alice" || conv.UnreadCount != 1 {
		t.Errorf("reply should hand the counter to alice, got %d for %q", conv.UnreadCount, conv.UnreadFor)
	}
}

func testListMessages(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s,
		model.User{ID: "alice", DisplayName: "Alice"},
		model.User{ID: "bob", DisplayName: "Bob"},
	)

	now := time.Now()
	var convID string
	for i := 0; i < 5; i++ {
		m, _, err := s.AppendMessage(ctx, "alice", "bob", fmt.Sprintf("m%d", i), now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		convID = m.ConversationID
	}

	page, err := s.ListMessages(ctx, convID, 2, 0, true)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(page) != 2 || page[0].Body != "m4" || page[1].Body != "m3" {
		t.Errorf("newest-first page 1 = %v", bodies(page))
	}

	page, _ = s.ListMessages(ctx, convID, 2, 4, true)
	if len(page) != 1 || page[0].Body != "m0" {
		t.Errorf("newest-first last page = %v", bodies(page))
	}

	page, _ = s.ListMessages(ctx, convID, 3, 0, false)
	if len(page) != 3 || page[0].Body != "m0" || page[2].Body != "m2" {
		t.Errorf("oldest-first page = %v", bodies(page))
	}

	page, _ = s.ListMessages(ctx, convID, 10, 10, true)
	if len(page) != 0 {
		t.Errorf("offset past end should be empty, got %v", bodies(page))
	}
}

// testCreationOrder appends with timestamps out of order, as concurrent
// senders stamping before the write can, and expects history by creation
// time with ties in append order.
func testCreationOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s,
		model.User{ID: "alice", DisplayName: "Alice"},
		model.User{ID: "bob", DisplayName: "Bob"},
	)

	base := time.Now()
	appends := []struct {
		body   string
		offset time.Duration
	}{
		{"late", 3 * time.Second},
		{"early", time.Second},
		{"tie-1", 2 * time.Second},
		{"tie-2", 2 * time.Second},
	}
	var convID string
	for _, a := range appends {
		m, _, err := s.AppendMessage(ctx, "alice", "bob", a.body, base.Add(a.offset))
		if err != nil {
			t.Fatalf("AppendMessage(%s): %v", a.body, err)
		}
		convID = m.ConversationID
	}

	want := "[early tie-1 tie-2 late]"
	asc, _ := s.ListMessages(ctx, convID, 10, 0, false)
	if got := fmt.Sprint(bodies(asc)); got != want {
		t.Errorf("oldest-first = %s, want %s", got, want)
	}
	desc, _ := s.ListMessages(ctx, convID, 1, 0, true)
	if len(desc) != 1 || desc[0].Body != "late" {
		t.Errorf("newest = %v, want [late]", bodies(desc))
	}
}

func testAdvance(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s,
		model.User{ID: "alice", DisplayName: "Alice"},
		model.User{ID: "bob", DisplayName: "Bob"},
	)
	m, _, err := s.AppendMessage(ctx, "alice", "bob", "hi", time.Now())
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	steps := []struct {
		to      model.MessageStatus
		changed bool
		want    model.MessageStatus
	}{
		{model.StatusSent, false, model.StatusSent},
		{model.StatusRead, true, model.StatusRead},
		{model.StatusDelivered, false, model.StatusRead},
		{model.StatusRead, false, model.StatusRead},
	}
	for _, st := range steps {
		changed, err := s.AdvanceStatus(ctx, m.ID, st.to)
		if err != nil {
			t.Fatalf("AdvanceStatus(%s): %v", st.to, err)
		}
		if changed != st.changed {
			t.Errorf("AdvanceStatus(%s) changed = %v, want %v", st.to, changed, st.changed)
		}
		got, _ := s.GetMessage(ctx, m.ID)
		if got.Status != st.want {
			t.Errorf("after %s status = %s, want %s", st.to, got.Status, st.want)
		}
	}

	if _, err := s.GetMessage(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetMessage(missing) err = %v", err)
	}
}

func testConcurrentAppend(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s,
		model.User{ID: "alice", DisplayName: "Alice"},
		model.User{ID: "bob", DisplayName: "Bob"},
	)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := s.AppendMessage(ctx, "alice", "bob", fmt.Sprintf("m%d", i), time.Now())
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	views, _ := s.ListConversations(ctx, "bob")
	if len(views) != 1 {
		t.Fatalf("want exactly one conversation, got %d", len(views))
	}
	if views[0].UnreadCount != n {
		t.Errorf("unread = %d, want %d", views[0].UnreadCount, n)
	}
	msgs, _ := s.ListMessages(ctx, views[0].ID, 100, 0, false)
	if len(msgs) != n {
		t.Errorf("messages = %d, want %d", len(msgs), n)
	}
}

func bodies(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}
