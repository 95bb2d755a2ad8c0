package model

import "testing"

func TestCanAdvance(t *testing.T) {
	cases := []struct {
		from, to MessageStatus
		want     bool
	}{
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusRead, true},
		{StatusDelivered, StatusRead, true},
		{StatusSent, StatusSent, false},
		{StatusRead, StatusDelivered, false},
		{StatusRead, StatusSent, false},
		{StatusDelivered, StatusDelivered, false},
		{StatusSent, MessageStatus("LOST"), false},
	}
	for _, tc := range cases {
		if got := tc.from.CanAdvance(tc.to); got != tc.want {
			t.Errorf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(" read ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st != StatusRead {
		t.Errorf("expected READ, got %s", st)
	}
	if _, err := ParseStatus("archived"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestPairKeyIsOrderIndependent(t *testing.T) {
	if PairKey("bob", "alice") != PairKey("alice", "bob") {
		t.Fatal("expected the same key for both orders")
	}
	c := Conversation{Participants: PairKey("bob", "alice")}
	if c.Peer("alice") != "bob" || c.Peer("bob") != "alice" {
		t.Errorf("unexpected peers for %v", c.Participants)
	}
	if c.HasParticipant("carol") {
		t.Error("carol is not a participant")
	}
}
