package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Client events
// ---------------------------------------------------------------------------

func TestParseClientMessage_PrivateMessage(t *testing.T) {
	input := []byte(`{"type":"private_message","recipientId":"u-2","content":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypePrivateMessage {
		t.Fatalf("expected type %q, got %q", TypePrivateMessage, msgType)
	}
	pm, ok := msg.(PrivateMessageMsg)
	if !ok {
		t.Fatalf("expected PrivateMessageMsg, got %T", msg)
	}
	if pm.RecipientID != "u-2" || pm.Content != "Hello!" {
		t.Errorf("unexpected payload %+v", pm)
	}
}

func TestParseClientMessage_PushNotification(t *testing.T) {
	input := []byte(`{"type":"push_notification","recipientId":"u-9","title":"Swap","message":"accepted","link":"/swaps/1"}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pn, ok := msg.(PushNotificationMsg)
	if !ok {
		t.Fatalf("expected PushNotificationMsg, got %T", msg)
	}
	if pn.Link != "/swaps/1" || pn.Title != "Swap" {
		t.Errorf("unexpected payload %+v", pn)
	}
}

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := map[string]string{
		TypeAuthenticate: `{"type":"authenticate","userId":"u-1"}`,
		TypeTyping:       `{"type":"typing","recipientId":"u-2"}`,
		TypeStopTyping:   `{"type":"stop_typing","recipientId":"u-2"}`,
		TypePing:         `{"type":"ping"}`,
	}
	for want, input := range cases {
		got, _, err := ParseClientMessage([]byte(input))
		if err != nil {
			t.Errorf("%s: unexpected error: %v", want, err)
			continue
		}
		if got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
}

func TestParseClientMessage_Errors(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"invalid json", `{not json`},
		{"missing type", `{"recipientId":"u-2"}`},
		{"unknown type", `{"type":"find_match"}`},
		{"server-only type", `{"type":"user_online","userId":"u-1"}`},
		{"wrong field type", `{"type":"private_message","content":42}`},
	}
	for _, tc := range cases {
		if _, _, err := ParseClientMessage([]byte(tc.input)); err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
		}
	}
}

// ---------------------------------------------------------------------------
// Server events
// ---------------------------------------------------------------------------

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeMessageStatusUpdate, StatusUpdateMsg{MessageID: "m-1", Status: "READ"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if decoded["type"] != TypeMessageStatusUpdate {
		t.Errorf("expected type %q, got %v", TypeMessageStatusUpdate, decoded["type"])
	}
	if decoded["messageId"] != "m-1" || decoded["status"] != "READ" {
		t.Errorf("unexpected payload %v", decoded)
	}
}

func TestNewServerMessage_EmptyPayload(t *testing.T) {
	data, err := NewServerMessage(TypePong, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("unexpected frame %s", data)
	}
}

func TestNewServerMessage_RejectsNonObject(t *testing.T) {
	if _, err := NewServerMessage(TypeNotification, []string{"a"}); err == nil {
		t.Error("expected error for array payload")
	}
}
